package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeRaw(t *testing.T, path, content string) error {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func readRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func TestManifestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewManifestStore()

	m := &AgentManifest{
		ID:             "agent-1",
		Name:           "worker",
		Directory:      dir,
		Runtime:        RuntimeClaudeCode,
		Capabilities:   []string{"edit", "review"},
		PersonaEnabled: true,
	}

	if err := s.Write(dir, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := s.Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got == nil {
		t.Fatal("Read() returned nil manifest")
	}
	if got.ID != m.ID || got.Name != m.Name || len(got.Capabilities) != 2 {
		t.Errorf("round-tripped manifest mismatch: %+v", got)
	}
}

func TestManifestReadMissingReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	s := NewManifestStore()

	got, err := s.Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("Read() = %+v, want nil for missing manifest", got)
	}
}

func TestManifestInvalidJSONReturnsInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewManifestStore()

	path := manifestPath(dir)
	if err := writeRaw(t, path, "{not json"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Read(dir)
	if err == nil {
		t.Fatal("expected error for invalid manifest JSON")
	}
}

func TestManifestRemoveDeletesEmptyDorkDir(t *testing.T) {
	dir := t.TempDir()
	s := NewManifestStore()
	m := &AgentManifest{ID: "a", Name: "n", Directory: dir}

	if err := s.Write(dir, m); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(dir); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if s.Exists(dir) {
		t.Error("expected manifest gone after Remove")
	}
	if _, err := os.Stat(filepath.Dir(manifestPath(dir))); !os.IsNotExist(err) {
		t.Errorf("expected empty .dork dir removed after Remove, stat err = %v", err)
	}
}

func TestManifestUnknownFieldsPreserved(t *testing.T) {
	dir := t.TempDir()
	s := NewManifestStore()
	path := manifestPath(dir)

	raw := `{"id":"a1","name":"n","directory":"` + dir + `","runtime":"generic","personaEnabled":false,"futureField":"keep-me"}`
	if err := writeRaw(t, path, raw); err != nil {
		t.Fatal(err)
	}

	m, err := s.Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if err := s.Write(dir, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := readRaw(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["futureField"]; !ok {
		t.Error("expected unknown field futureField to survive a read/write round trip")
	}
}

func TestWithinBoundary(t *testing.T) {
	tests := []struct {
		boundary  string
		candidate string
		want      bool
	}{
		{"", "/anything", true},
		{"/home/user/projects", "/home/user/projects", true},
		{"/home/user/projects", filepath.Join("/home/user/projects", "sub"), true},
		{"/home/user/projects", "/home/user/other", false},
		{"/home/user/projects", "/home/user/projects-evil", false},
	}
	for _, tt := range tests {
		if got := WithinBoundary(tt.boundary, tt.candidate); got != tt.want {
			t.Errorf("WithinBoundary(%q, %q) = %v, want %v", tt.boundary, tt.candidate, got, tt.want)
		}
	}
}
