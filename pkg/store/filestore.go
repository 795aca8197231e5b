package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements Store using a single JSON file with atomic
// temp-file-and-rename writes, so a crash mid-write never corrupts the
// previous snapshot.
type FileStore struct {
	path    string
	records map[string]json.RawMessage
	mu      sync.RWMutex
	version string
}

// NewFileStore creates a file-based store. If path is empty, defaults
// to ~/.relay/store.json.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("store: resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".relay", "store.json")
	}

	s := &FileStore{
		path:    path,
		records: make(map[string]json.RawMessage),
		version: "1.0",
	}

	// Load an existing snapshot, but a missing file is a fresh store.
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: load %s: %w", path, err)
	}

	return s, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.records = make(map[string]json.RawMessage)
			return nil
		}
		return err
	}
	defer file.Close()

	var snapshot struct {
		Version string                     `json:"version"`
		Records map[string]json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(file).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.version = snapshot.Version
	if snapshot.Records != nil {
		s.records = snapshot.Records
	} else {
		s.records = make(map[string]json.RawMessage)
	}
	return nil
}

// flush writes the full snapshot atomically. Callers hold the write lock.
func (s *FileStore) flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("store: create directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}

	snapshot := struct {
		Version string                     `json:"version"`
		Records map[string]json.RawMessage `json:"records"`
	}{
		Version: s.version,
		Records: s.records,
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}

// Get returns the raw record for key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

// Put replaces the record for key and persists the snapshot.
func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	s.records[key] = cp
	return s.flush()
}

// Delete removes the record for key and persists the snapshot. Absent
// keys are a no-op.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.flush()
}

// Reload re-reads the snapshot from disk, discarding in-memory state.
// Used by the configuration resync to self-heal from writes made by
// other processes (the settings surface).
func (s *FileStore) Reload() error {
	return s.load()
}

// Path returns the snapshot file path, used for change watching.
func (s *FileStore) Path() string {
	return s.path
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
