package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store loads and saves crawl state.
type Store interface {
	Load(ctx context.Context) (CrawlState, error)
	Save(ctx context.Context, s CrawlState) error
	// Discard drops the saved state once a run has nothing left to resume.
	Discard(ctx context.Context) error
}

// FileStore keeps the state in a single JSON file, replaced atomically on save.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields ErrNoState.
func (s *FileStore) Load(_ context.Context) (CrawlState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return CrawlState{}, ErrNoState
	}
	if err != nil {
		return CrawlState{}, fmt.Errorf("read crawl state: %w", err)
	}
	return Restore(data)
}

// Save writes the snapshot to a temp file in the same directory, syncs it,
// and renames it over the previous state.
func (s *FileStore) Save(_ context.Context, st CrawlState) error {
	data, err := Snapshot(st)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

// Discard removes the state file. A missing file is not an error.
func (s *FileStore) Discard(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard crawl state: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
