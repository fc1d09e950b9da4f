// Package blob holds transient image bytes behind handles that must be
// released once the owning item is done.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var ErrNotFound = errors.New("blob not found")

type Handle struct {
	Key      string `json:"key"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

type Store interface {
	Put(ctx context.Context, data []byte, mimeType string) (Handle, error)
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)
	Release(ctx context.Context, h Handle) error
}

// With stores data, passes the handle to fn and releases it afterwards,
// whether fn succeeds, fails or panics.
func With(ctx context.Context, store Store, data []byte, mimeType string, fn func(Handle) error) (err error) {
	h, err := store.Put(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	defer func() {
		// release must run even when ctx is already cancelled
		if relErr := store.Release(context.WithoutCancel(ctx), h); relErr != nil && err == nil {
			err = fmt.Errorf("release blob: %w", relErr)
		}
	}()
	return fn(h)
}

// ReadAll opens h and reads it fully.
func ReadAll(ctx context.Context, store Store, h Handle) ([]byte, error) {
	rc, err := store.Open(ctx, h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", h.Key, err)
	}
	return data, nil
}
