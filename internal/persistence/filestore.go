package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupted is returned by Load when the file exists but cannot be
// parsed. Spec §6: "Corrupted files cause a warning and an empty start."
// Callers should log a warning and proceed with empty/default state rather
// than treating this as fatal.
var ErrCorrupted = errors.New("persistence: corrupted state file")

// AtomicFile persists a JSON snapshot to disk, rewriting it atomically via
// temp-file-plus-rename on every Save (spec §5: "state is written atomically
// via temp-file-plus-rename on every mutation, best-effort").
type AtomicFile struct {
	path string
	mu   sync.Mutex
}

// NewAtomicFile creates an AtomicFile rooted at path.
func NewAtomicFile(path string) *AtomicFile {
	return &AtomicFile{path: path}
}

// Save serializes v as JSON and atomically replaces the target file.
func (f *AtomicFile) Save(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp state file: %w", err)
	}

	return nil
}

// Load reads and unmarshals the file into v. A missing file is not an
// error — v is left unmodified and Load returns nil, matching "missing
// files start empty". A present-but-unparsable file returns ErrCorrupted.
func (f *AtomicFile) Load(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return ErrCorrupted
	}

	return nil
}
