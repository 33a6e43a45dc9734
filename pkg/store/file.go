package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps all keys in memory and mirrors them to a JSON object on disk.
// Every mutation rewrites the file through a temporary file and a rename.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	m      map[string]string
	closed bool
}

// OpenFile loads the store at path, creating an empty one if the file does not exist.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path, m: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.m); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", path, err)
		}
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *FileStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.m[key]
	s.m[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.m[key] = prev
		} else {
			delete(s.m, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.m[key]
	if !had {
		return nil
	}
	delete(s.m, key)
	if err := s.flushLocked(); err != nil {
		s.m[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedKeys(s.m, prefix), nil
}

// Close makes further calls fail with ErrClosed. The file is already up to date.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
