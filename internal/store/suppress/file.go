// Package suppress implements the alert-suppression store. The file backend
// keeps one JSON document of key → last-alerted timestamps, written with
// atomic replacement (write to .tmp, then rename) so a crash never leaves a
// torn file.
package suppress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileName = "suppressions.json"

// FileStore is the file-backed domain.SuppressionStore.
type FileStore struct {
	path string

	mu   sync.Mutex
	last map[string]time.Time
}

// OpenFile loads (or initializes) the suppression table under dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("suppress: create dir: %w", err)
	}

	s := &FileStore{
		path: filepath.Join(dir, fileName),
		last: make(map[string]time.Time),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("suppress: read table: %w", err)
	}
	if err := json.Unmarshal(data, &s.last); err != nil {
		return nil, fmt.Errorf("suppress: decode table: %w", err)
	}
	return s, nil
}

// Allow reports whether the key may alert now and, when it may, records the
// alert time durably before returning.
func (s *FileStore) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.last[key]; ok && time.Since(at) < window {
		return false, nil
	}

	s.last[key] = time.Now().UTC()
	if err := s.persist(); err != nil {
		delete(s.last, key)
		return false, err
	}
	return true, nil
}

// Reset clears the throttle for a key so the next Allow passes.
func (s *FileStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.last[key]; !ok {
		return nil
	}
	delete(s.last, key)
	return s.persist()
}

// persist atomically rewrites the table. Caller must hold s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.last, "", "  ")
	if err != nil {
		return fmt.Errorf("suppress: marshal table: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("suppress: write table: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("suppress: replace table: %w", err)
	}
	return nil
}
