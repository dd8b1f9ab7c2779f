package memory

import (
	"context"
	"fmt"
	"sync"

	"tracerun/internal/blob"
	"tracerun/pkg/platform/sentinel"
)

// Store keeps blobs in process memory.
type Store struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	writeErr error
}

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// FailWrites makes Write return err until called again with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Store) Write(ctx context.Context, key string, content []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := blob.CleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.objects[key] = append([]byte(nil), content...)
	return key, nil
}

func (s *Store) Read(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[location]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", location, sentinel.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) Delete(_ context.Context, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, location)
	return nil
}

// Overwrite replaces stored bytes in place, bypassing Write. It exists to
// simulate corruption at rest.
func (s *Store) Overwrite(location string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[location] = append([]byte(nil), content...)
}
