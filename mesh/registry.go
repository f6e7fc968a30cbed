// Package mesh implements the agent registry (C2): the directory-anchored
// identity layer every other DorkOS subsystem resolves agents through.
package mesh

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/storage"
)

// RegisterInput is the caller-supplied portion of a new manifest.
type RegisterInput struct {
	Name           string
	Runtime        storage.Runtime
	Description    string
	Capabilities   []string
	Color          string
	Icon           string
	Persona        string
	PersonaEnabled bool
	RegisteredBy   string
}

// UpdatePatch mutates a subset of a registered agent's mutable fields.
// Directory, ID, and Runtime are immutable once registered (spec §4.2).
type UpdatePatch struct {
	Name           *string
	Description    *string
	Capabilities   *[]string
	Color          *string
	Icon           *string
	Persona        *string
	PersonaEnabled *bool
}

// ListFilter narrows Registry.List results.
type ListFilter struct {
	Runtime    storage.Runtime
	Capability string
	NameQuery  string
}

// Registry is the in-memory index over on-disk agent manifests, backed by a
// storage.ManifestStore for durable I/O. It keeps the "current" read
// invariant of spec §4.2 by confirming each entry's manifest file still
// exists before returning it, and by invalidating entries that an fsnotify
// watch observes being deleted out from under it — the same
// watch-and-invalidate shape as the teacher's source ingester watcher,
// retargeted from content reindexing to identity bookkeeping.
type Registry struct {
	mu       sync.RWMutex
	store    *storage.ManifestStore
	deny     *denylist
	boundary string

	byDir map[string]*storage.AgentManifest
	byID  map[string]string // id -> directory

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry builds a Registry rooted at boundary (empty means unbounded)
// persisting its denylist at denylistPath.
func NewRegistry(boundary, denylistPath string) (*Registry, error) {
	dl, err := newDenylist(denylistPath)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIOError, "create mesh watcher", err)
	}

	r := &Registry{
		store:    storage.NewManifestStore(),
		deny:     dl,
		boundary: boundary,
		byDir:    map[string]*storage.AgentManifest{},
		byID:     map[string]string{},
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go r.watchLoop()
	return r, nil
}

// Close stops the registry's filesystem watch.
func (r *Registry) Close() error {
	close(r.done)
	return r.watcher.Close()
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				r.invalidateByWatchedPath(ev.Name)
			}
		case <-r.watcher.Errors:
			// Best-effort: a watch error just means we fall back to the
			// per-list() existence check until the next successful watch.
		}
	}
}

func (r *Registry) invalidateByWatchedPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dir := range r.byDir {
		root := manifestPathRoot(dir)
		if (path == root || strings.HasPrefix(path, root+"/")) && !r.store.Exists(dir) {
			r.dropLocked(dir)
		}
	}
}

func (r *Registry) dropLocked(dir string) {
	if m, ok := r.byDir[dir]; ok {
		delete(r.byID, m.ID)
	}
	delete(r.byDir, dir)
}

// Register creates a manifest for dir and adds it to the registry.
func (r *Registry) Register(dir string, in RegisterInput) (*storage.AgentManifest, error) {
	canon, err := storage.CanonicalizeDirectory(dir)
	if err != nil {
		return nil, err
	}
	if !storage.WithinBoundary(r.boundary, canon) {
		return nil, apperr.New(apperr.CodeOutOfBoundary, fmt.Sprintf("%s is outside the configured boundary", canon))
	}
	if r.deny.isDenied(canon) {
		return nil, apperr.New(apperr.CodeDenied, fmt.Sprintf("%s is on the deny list", canon))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byDir[canon]; ok {
		return nil, apperr.New(apperr.CodeAlreadyReg, fmt.Sprintf("%s is already registered", canon))
	}
	if r.store.Exists(canon) {
		return nil, apperr.New(apperr.CodeAlreadyReg, fmt.Sprintf("%s already has a manifest", canon))
	}

	m := &storage.AgentManifest{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Directory:      canon,
		Runtime:        in.Runtime,
		Description:    in.Description,
		Capabilities:   in.Capabilities,
		Color:          in.Color,
		Icon:           in.Icon,
		Persona:        in.Persona,
		PersonaEnabled: in.PersonaEnabled,
		RegisteredAt:   time.Now().UTC(),
		RegisteredBy:   in.RegisteredBy,
	}
	if err := r.store.Write(canon, m); err != nil {
		return nil, err
	}

	r.byDir[canon] = m
	r.byID[m.ID] = canon
	_ = r.watcher.Add(manifestPathRoot(canon))
	return m, nil
}

// Unregister removes id's manifest entirely.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, ok := r.byID[id]
	if !ok {
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("agent %s not found", id))
	}
	if err := r.store.Remove(dir); err != nil {
		return err
	}
	_ = r.watcher.Remove(manifestPathRoot(dir))
	r.dropLocked(dir)
	return nil
}

// Update applies patch to id's manifest, leaving Directory/ID/Runtime intact.
func (r *Registry) Update(id string, patch UpdatePatch) (*storage.AgentManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, ok := r.byID[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("agent %s not found", id))
	}
	m, ok := r.byDir[dir]
	if !ok || !r.store.Exists(dir) {
		r.dropLocked(dir)
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("agent %s not found", id))
	}

	next := *m
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Capabilities != nil {
		next.Capabilities = *patch.Capabilities
	}
	if patch.Color != nil {
		next.Color = *patch.Color
	}
	if patch.Icon != nil {
		next.Icon = *patch.Icon
	}
	if patch.Persona != nil {
		next.Persona = *patch.Persona
	}
	if patch.PersonaEnabled != nil {
		next.PersonaEnabled = *patch.PersonaEnabled
	}

	if err := r.store.Write(dir, &next); err != nil {
		return nil, err
	}
	r.byDir[dir] = &next
	return &next, nil
}

// List returns every currently-registered manifest matching filter, after
// confirming each one's manifest file still exists on disk (spec §4.2).
func (r *Registry) List(filter ListFilter) ([]*storage.AgentManifest, error) {
	r.mu.Lock()
	stale := make([]string, 0)
	out := make([]*storage.AgentManifest, 0, len(r.byDir))
	for dir, m := range r.byDir {
		if !r.store.Exists(dir) {
			stale = append(stale, dir)
			continue
		}
		if !matches(m, filter) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	for _, dir := range stale {
		r.dropLocked(dir)
	}
	r.mu.Unlock()
	return out, nil
}

func matches(m *storage.AgentManifest, f ListFilter) bool {
	if f.Runtime != "" && m.Runtime != f.Runtime {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range m.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NameQuery != "" && !containsFold(m.Name, f.NameQuery) {
		return false
	}
	return true
}

// Resolve reads a manifest directly off disk for dir, bypassing the
// in-memory cache, the way a one-shot CLI invocation would.
func (r *Registry) Resolve(dir string) (*storage.AgentManifest, error) {
	canon, err := storage.CanonicalizeDirectory(dir)
	if err != nil {
		return nil, err
	}
	m, err := r.store.Read(canon)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("no manifest registered under %s", canon))
	}
	return m, nil
}

// Get returns the cached manifest for id.
func (r *Registry) Get(id string) (*storage.AgentManifest, error) {
	r.mu.RLock()
	dir, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("agent %s not found", id))
	}
	return r.Resolve(dir)
}

// Deny adds dir to the deny list and unregisters it if currently registered.
func (r *Registry) Deny(dir, reason, deniedBy string) error {
	canon, err := storage.CanonicalizeDirectory(dir)
	if err != nil {
		return err
	}
	if err := r.deny.deny(canon, reason, deniedBy); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byDir[canon]; ok {
		_ = r.store.Remove(canon)
		_ = r.watcher.Remove(manifestPathRoot(canon))
		delete(r.byID, m.ID)
		delete(r.byDir, canon)
	}
	return nil
}

// Allow removes dir from the deny list, permitting future registration.
func (r *Registry) Allow(dir string) error {
	canon, err := storage.CanonicalizeDirectory(dir)
	if err != nil {
		return err
	}
	return r.deny.allow(canon)
}

// ListDenied returns every directory currently on the deny list.
func (r *Registry) ListDenied() []DeniedAgent {
	return r.deny.list()
}

func manifestPathRoot(dir string) string {
	return dir + "/.dork"
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
