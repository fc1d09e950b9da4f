package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dunamismax/imageverse/internal/id"
	"github.com/dunamismax/imageverse/internal/storage"
)

// ObjectClient is the subset of storage.Client the object store needs.
type ObjectClient interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, objectKey string) error
}

var _ ObjectClient = (*storage.Client)(nil)

// ObjectStore keeps blobs in the S3-compatible bucket under prefix.
type ObjectStore struct {
	client ObjectClient
	prefix string
}

func NewObjectStore(client ObjectClient, prefix string) *ObjectStore {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "blobs"
	}
	return &ObjectStore{client: client, prefix: prefix}
}

func (s *ObjectStore) Put(ctx context.Context, data []byte, mimeType string) (Handle, error) {
	key := path.Join(s.prefix, id.New())
	if err := s.client.WriteObject(ctx, key, data, mimeType); err != nil {
		return Handle{}, err
	}
	return Handle{Key: key, MIMEType: mimeType, Size: len(data)}, nil
}

func (s *ObjectStore) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	rc, err := s.client.OpenObject(ctx, h.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Key)
	}
	return rc, err
}

func (s *ObjectStore) Release(ctx context.Context, h Handle) error {
	return s.client.RemoveObject(ctx, h.Key)
}
