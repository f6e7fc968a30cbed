package mesh

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dorkos/dorkos/storage"
)

// skipNames lists directory basenames the walker never descends into or
// reports as candidates (spec §4.2).
var skipNames = []string{
	"node_modules", ".git", "dist", "build", ".next", "coverage", "__pycache__", ".cache",
}

// Candidate is a walker-discovered directory not yet registered, carrying
// the heuristic hints a caller can pre-fill a Register call with.
type Candidate struct {
	Directory          string `json:"directory"`
	SuggestedName       string `json:"suggestedName"`
	InferredRuntime     storage.Runtime `json:"inferredRuntime"`
	InferredDescription string `json:"inferredDescription,omitempty"`
	AlreadyRegistered   bool   `json:"alreadyRegistered"`
}

func skipped(base string) bool {
	for _, pat := range skipNames {
		if ok, _ := doublestar.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Discover walks each root up to maxDepth (root itself is depth 0) and
// returns every non-skipped directory as a Candidate. Discovery never
// registers anything — it is purely informational (spec §4.2:
// "non-authoritative").
func (r *Registry) Discover(roots []string, maxDepth int) ([]Candidate, error) {
	var out []Candidate
	seen := map[string]bool{}

	for _, root := range roots {
		canon, err := storage.CanonicalizeDirectory(root)
		if err != nil {
			continue
		}
		if err := r.walk(canon, 0, maxDepth, seen, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) walk(dir string, depth, maxDepth int, seen map[string]bool, out *[]Candidate) error {
	if depth > maxDepth || seen[dir] {
		return nil
	}
	seen[dir] = true

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}

	r.mu.RLock()
	_, registered := r.byDir[dir]
	r.mu.RUnlock()

	*out = append(*out, Candidate{
		Directory:            dir,
		SuggestedName:        filepath.Base(dir),
		InferredRuntime:      inferRuntime(dir),
		InferredDescription:  inferDescription(dir),
		AlreadyRegistered:    registered || r.store.Exists(dir),
	})

	if depth == maxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() || skipped(e.Name()) {
			continue
		}
		if err := r.walk(filepath.Join(dir, e.Name()), depth+1, maxDepth, seen, out); err != nil {
			return err
		}
	}
	return nil
}

func inferRuntime(dir string) storage.Runtime {
	if exists(filepath.Join(dir, "CLAUDE.md")) || isDir(filepath.Join(dir, ".claude")) {
		return storage.RuntimeClaudeCode
	}
	if isDir(filepath.Join(dir, ".cursor")) {
		return storage.RuntimeCursor
	}
	return storage.RuntimeGeneric
}

func inferDescription(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "#")
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
