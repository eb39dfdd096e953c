package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a filesystem-backed payload archive. Writes go to a temp file
// and are committed with a rename so a crash never leaves a partial blob.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates an archive rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) pathFor(integrationID, rawHash string) string {
	return filepath.Join(s.baseDir, integrationID, rawHash+".blob")
}

func (s *FileStore) Put(_ context.Context, integrationID string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := refFor(integrationID, payload)
	ns, rawHash, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	path := s.pathFor(ns, rawHash)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // already archived
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure integration dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit payload: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, rawHash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.pathFor(ns, rawHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload not found: %s", ref)
		}
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, rawHash, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.pathFor(ns, rawHash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat payload: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, rawHash, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(ns, rawHash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}
