// Package chunker implements the Chunker (C4): optional pre-partitioning of
// a stage's work list into fixed-count ordered batches, materialized as
// engine-readable file-list artifacts.
package chunker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Batch is one ordered, ≤chunkSize-name partition of the master listing,
// materialized on disk at Path.
type Batch struct {
	Index int
	Path  string
	Count int
}

// Chunker partitions a master file listing into ordered batches and manages
// their on-disk file-list artifacts.
type Chunker struct {
	engineBinaryPath string
	artifactDir      string
	logger           *slog.Logger
}

// New creates a Chunker that shells out to engineBinaryPath for listings and
// writes batch artifacts under artifactDir.
func New(engineBinaryPath, artifactDir string, logger *slog.Logger) *Chunker {
	return &Chunker{
		engineBinaryPath: engineBinaryPath,
		artifactDir:      artifactDir,
		logger:           logger.With("component", "chunker"),
	}
}

// ListSource asks the engine for a plain recursive filename listing of
// sourcePath — fast, no stat — per §4.4 step (i). Returns names in the
// engine's listing order.
func (c *Chunker) ListSource(ctx context.Context, sourcePath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.engineBinaryPath, "lsf", "-R", sourcePath)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing source %s: %w", sourcePath, err)
	}

	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading listing output: %w", err)
	}
	return names, nil
}

// Plan partitions names into ⌈N/chunkSize⌉ ordered batches of ≤chunkSize
// names each, materializing each as a file-list artifact under
// {artifactDir}/{sessionID}/. Each source file appears in exactly one
// batch, preserving listing order (§4.4 invariants).
func (c *Chunker) Plan(names []string, chunkSize int, sessionID string) ([]Batch, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be > 0")
	}

	dir := filepath.Join(c.artifactDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk artifact directory %s: %w", dir, err)
	}

	var batches []Batch
	for start, idx := 0, 0; start < len(names); start, idx = start+chunkSize, idx+1 {
		end := start + chunkSize
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]

		path := filepath.Join(dir, fmt.Sprintf("chunk-%04d.txt", idx))
		if err := writeListFile(path, chunk); err != nil {
			c.cleanupPartial(batches, path)
			return nil, fmt.Errorf("writing chunk artifact %s: %w", path, err)
		}

		batches = append(batches, Batch{Index: idx, Path: path, Count: len(chunk)})
	}

	return batches, nil
}

// Cleanup removes every batch artifact (and the session's artifact
// directory, if now empty). Must be called on stage exit regardless of
// outcome — success, failure, or abort (§4.4 invariant).
func (c *Chunker) Cleanup(batches []Batch) {
	if len(batches) == 0 {
		return
	}

	dir := filepath.Dir(batches[0].Path)
	for _, b := range batches {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove chunk artifact", "path", b.Path, "error", err)
		}
	}
	// Best-effort: only succeeds if the directory is now empty.
	_ = os.Remove(dir)
}

func (c *Chunker) cleanupPartial(batches []Batch, failedPath string) {
	c.Cleanup(batches)
	_ = os.Remove(failedPath)
}

func writeListFile(path string, names []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, name := range names {
		if _, err := w.WriteString(name); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
