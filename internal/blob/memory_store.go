package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dunamismax/imageverse/internal/id"
)

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, mimeType string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	key := id.New()
	copied := append([]byte(nil), data...)

	s.mu.Lock()
	s.blobs[key] = copied
	s.mu.Unlock()

	return Handle{Key: key, MIMEType: mimeType, Size: len(copied)}, nil
}

func (s *MemoryStore) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[h.Key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Release is idempotent.
func (s *MemoryStore) Release(_ context.Context, h Handle) error {
	s.mu.Lock()
	delete(s.blobs, h.Key)
	s.mu.Unlock()
	return nil
}

// Len reports how many blobs are still held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
