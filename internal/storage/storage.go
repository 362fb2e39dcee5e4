// Package storage persists the small key/value state the guest keeps
// across sessions.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store is a string key/value store.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// MemoryStore keeps values for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// FileStore is a MemoryStore written through to a YAML file.
type FileStore struct {
	mem    *MemoryStore
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenFileStore loads path if it exists. A missing file is an empty store.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		mem:    NewMemoryStore(),
		path:   path,
		logger: logger.With(zap.String("component", "storage")),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.mem.values); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}
	if s.mem.values == nil {
		s.mem.values = make(map[string]string)
	}
	s.logger.Debug("Loaded persisted state", zap.String("path", path), zap.Int("keys", len(s.mem.values)))
	return s, nil
}

// Get returns the value stored under key.
func (s *FileStore) Get(key string) (string, bool) {
	return s.mem.Get(key)
}

// Set stores value under key and rewrites the file.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Set(key, value); err != nil {
		return err
	}

	s.mem.mu.RLock()
	data, err := yaml.Marshal(s.mem.values)
	s.mem.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}
