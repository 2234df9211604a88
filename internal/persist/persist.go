// Package persist provides crash-safe JSON state files.
//
// Every piece of pipeline state that must survive a restart (progress,
// quota counters, checkpoints) goes through this package. Writes happen to
// a temp file in the destination directory followed by an atomic rename, so
// readers never observe a half-written document. Reads distinguish "missing"
// (a normal first run) from "corrupt" (callers log and start empty, per the
// pipeline's never-crash-on-bad-state rule).
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File is a typed JSON state file at a fixed path.
type File[T any] struct {
	path string
}

// NewFile returns a File persisting values of T at path. The parent
// directory is created on first save.
func NewFile[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Path returns the file's location on disk.
func (f *File[T]) Path() string { return f.path }

// Save writes state atomically, replacing any previous content.
func (f *File[T]) Save(state T) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %s: %w", filepath.Base(f.path), err)
	}
	return WriteAtomic(f.path, data)
}

// Load reads the current state. ok is false when no file exists yet. A file
// that exists but cannot be decoded returns an error alongside the zero
// value; callers treat that as an empty start after logging.
func (f *File[T]) Load() (state T, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, false, nil
	}
	if err != nil {
		return state, false, fmt.Errorf("persist: read %s: %w", filepath.Base(f.path), err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		var zero T
		return zero, false, fmt.Errorf("persist: decode %s: %w", filepath.Base(f.path), err)
	}
	return state, true, nil
}

// WriteAtomic writes data to path via a temp file and rename. The temp file
// is created in the destination directory so the rename never crosses a
// filesystem boundary.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}
