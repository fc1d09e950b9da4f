package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/storage"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	src := []byte("pixels")
	h, err := s.Put(context.Background(), src, "image/png")
	require.NoError(t, err)
	assert.Equal(t, 6, h.Size)
	assert.Equal(t, "image/png", h.MIMEType)

	src[0] = 'X'
	data, err := ReadAll(context.Background(), s, h)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	require.NoError(t, s.Release(context.Background(), h))
	require.NoError(t, s.Release(context.Background(), h))
	_, err = s.Open(context.Background(), h)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Len())
}

func TestWithReleasesOnEveryPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, With(ctx, s, []byte("a"), "image/png", func(h Handle) error {
		assert.Equal(t, 1, s.Len())
		return nil
	}))
	assert.Zero(t, s.Len())

	boom := errors.New("boom")
	err := With(ctx, s, []byte("b"), "image/png", func(Handle) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, s.Len())

	assert.Panics(t, func() {
		_ = With(ctx, s, []byte("c"), "image/png", func(Handle) error { panic("render crashed") })
	})
	assert.Zero(t, s.Len())

	cancelled, cancel := context.WithCancel(ctx)
	h, err := s.Put(ctx, []byte("d"), "image/png")
	require.NoError(t, err)
	cancel()
	require.NoError(t, s.Release(cancelled, h))
	assert.Zero(t, s.Len())
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
}

func (f *fakeObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) OpenObject(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.removed = append(f.removed, key)
	return nil
}

func TestObjectStoreUsesPrefixAndReleases(t *testing.T) {
	objects := &fakeObjects{objects: make(map[string][]byte)}
	s := NewObjectStore(objects, "/batches/job-1/")
	ctx := context.Background()

	err := With(ctx, s, []byte("jpeg bytes"), "image/jpeg", func(h Handle) error {
		assert.True(t, strings.HasPrefix(h.Key, "batches/job-1/"), h.Key)
		data, err := ReadAll(ctx, s, h)
		require.NoError(t, err)
		assert.Equal(t, "jpeg bytes", string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, objects.objects)
	assert.Len(t, objects.removed, 1)

	_, err = s.Open(ctx, Handle{Key: "batches/job-1/missing"})
	require.ErrorIs(t, err, ErrNotFound)
}
