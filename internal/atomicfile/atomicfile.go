// Package atomicfile provides the write-temp-then-rename pattern every
// persisted cache in this repository relies on, adapted from the teacher's
// AtomicWriter (internal/server/storage.go): grab a temp file in the target
// directory, write, then rename over the final path so readers never
// observe a torn file.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON marshals v as indented JSON and atomically replaces path with
// the result. Safe to call concurrently with reads of path from other
// processes (the rename is atomic on POSIX filesystems); not safe to call
// concurrently with itself on the same path without external locking.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding json: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}

	return nil
}

// ReadJSON unmarshals path into v. A missing file is not an error: v is
// left untouched and ErrNotExist-like callers should treat that as "empty
// cache" per the read-failure-at-startup contract every persisted
// component here follows.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
