//go:build cgo && !govips

package encode

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"

	"github.com/dunamismax/imageverse/internal/domain"
)

func TestWEBPEncoding(t *testing.T) {
	art, err := NewEncoder().Encode(gradient(250, 250), domain.FormatWEBP, 0.95, "photo.png", domain.VerbResized)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", art.MIMEType)
	assert.Equal(t, "resized_photo.webp", art.SuggestedFilename)

	decoded, err := webp.Decode(bytes.NewReader(art.Bytes))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 250, 250), decoded.Bounds())
}
