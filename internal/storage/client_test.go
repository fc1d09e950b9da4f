package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "  "})
	require.Error(t, err)

	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: " batches "})
	require.NoError(t, err)
	assert.Equal(t, "batches", c.Bucket())
}

func TestObjectErrorMapsMissingKeys(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", Message: "gone"}
	err := objectError("stat", "uploads/a/source-000", missing)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Contains(t, err.Error(), "uploads/a/source-000")

	err = objectError("put", "k", errors.New("connection reset"))
	assert.NotErrorIs(t, err, ErrObjectNotFound)
	assert.False(t, notFound(nil))
}

func TestRemovePrefixRefusesBucketRoot(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "b"})
	require.NoError(t, err)
	for _, prefix := range []string{"", "/", "//"} {
		_, err := c.RemovePrefix(context.Background(), prefix)
		assert.Error(t, err, prefix)
	}
}
