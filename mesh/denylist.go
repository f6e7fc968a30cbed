package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dorkos/dorkos/apperr"
)

// DeniedAgent prevents re-registration of a directory without explicit
// override (spec §3).
type DeniedAgent struct {
	Directory string    `json:"directory"`
	Reason    string    `json:"reason,omitempty"`
	DeniedBy  string    `json:"deniedBy,omitempty"`
	DeniedAt  time.Time `json:"deniedAt"`
}

// denylist is a small JSON-file-backed set of denied directories, persisted
// the same atomic-rewrite way as the manifest store (spec §4.1 style).
type denylist struct {
	mu   sync.RWMutex
	path string
	byDir map[string]DeniedAgent
}

func newDenylist(path string) (*denylist, error) {
	d := &denylist{path: path, byDir: map[string]DeniedAgent{}}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *denylist) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.CodeIOError, "read denylist", err)
	}
	var entries []DeniedAgent
	if err := json.Unmarshal(data, &entries); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "parse denylist", err)
	}
	for _, e := range entries {
		d.byDir[e.Directory] = e
	}
	return nil
}

func (d *denylist) persist() error {
	entries := make([]DeniedAgent, 0, len(d.byDir))
	for _, e := range d.byDir {
		entries = append(entries, e)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.CodeIOError, "marshal denylist", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "create denylist directory", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.CodeIOError, "write denylist", err)
	}
	return os.Rename(tmp, d.path)
}

func (d *denylist) deny(dir, reason, denier string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDir[dir] = DeniedAgent{Directory: dir, Reason: reason, DeniedBy: denier, DeniedAt: time.Now().UTC()}
	return d.persist()
}

func (d *denylist) allow(dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byDir, dir)
	return d.persist()
}

func (d *denylist) isDenied(dir string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byDir[dir]
	return ok
}

func (d *denylist) list() []DeniedAgent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DeniedAgent, 0, len(d.byDir))
	for _, e := range d.byDir {
		out = append(out, e)
	}
	return out
}
