//go:build !heif || !cgo

package raster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/domain"
)

func TestLoadHEICWithoutSupport(t *testing.T) {
	_, _, err := NewLoader(nil).Load(context.Background(), []byte("\x00\x00\x00\x18ftypheic"), "", "IMG_0001.HEIC")
	require.ErrorIs(t, err, domain.ErrDecode)
	require.ErrorIs(t, err, errHEICUnsupported)
	require.False(t, HEICSupported)
}
