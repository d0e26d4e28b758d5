package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSON_ThenReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cache.json")

	want := sample{Name: "gdrive", Count: 3}
	if err := WriteJSON(path, want); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestReadJSON_MissingFileIsNotError(t *testing.T) {
	var got sample
	if err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got); err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
}

func TestWriteJSON_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	if err := WriteJSON(path, sample{Name: "first", Count: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := WriteJSON(path, sample{Name: "second", Count: 2}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "second" || got.Count != 2 {
		t.Errorf("expected overwritten content, got %+v", got)
	}
}
