package encode

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/domain"
)

func jpegSource(t *testing.T, w, h int, quality int) domain.SourceImage {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, noise(w, h, 7), &jpeg.Options{Quality: quality}))
	return domain.SourceImage{Bytes: buf.Bytes(), MIMEType: "image/jpeg", Width: w, Height: h, DisplayName: "shot.jpeg"}
}

func TestCompressCapsLongestSide(t *testing.T) {
	img := gradient(2400, 1200)
	src := domain.SourceImage{MIMEType: "image/png", Width: 2400, Height: 1200, DisplayName: "wide.png"}

	art, err := NewCompressor(nil, nil).Compress(context.Background(), src, img, CompressOptions{
		MaxSizeMB: 50,
		Format:    domain.FormatJPEG,
	})
	require.NoError(t, err)
	assert.Equal(t, 1920, art.Width)
	assert.Equal(t, 960, art.Height)
	assert.Equal(t, "compressed_wide.jpg", art.SuggestedFilename)
}

func TestCompressShrinksUntilBudget(t *testing.T) {
	img := noise(300, 300, 3)
	src := domain.SourceImage{MIMEType: "image/png", Width: 300, Height: 300, DisplayName: "noise.png"}
	enc := NewEncoder()

	first, err := enc.EncodeBytes(img, domain.FormatJPEG, DefaultInitialQuality)
	require.NoError(t, err)

	var progress []int
	art, err := NewCompressor(enc, nil).Compress(context.Background(), src, img, CompressOptions{
		MaxSizeMB:  float64(len(first)) / 2 / (1024 * 1024),
		Format:     domain.FormatJPEG,
		OnProgress: func(p int) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Less(t, art.ByteSize, len(first))
	assert.Less(t, art.Width, 300)
	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[0])
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.IsNonDecreasing(t, progress)
}

func TestCompressKeepsSmallerOriginal(t *testing.T) {
	src := jpegSource(t, 120, 80, 20)
	img, err := jpeg.Decode(bytes.NewReader(src.Bytes))
	require.NoError(t, err)

	art, err := NewCompressor(nil, nil).Compress(context.Background(), src, img, CompressOptions{InitialQuality: 1})
	require.NoError(t, err)
	assert.Equal(t, src.Bytes, art.Bytes)
	assert.Equal(t, "compressed_shot.jpg", art.SuggestedFilename)
}

func TestCompressFallsBackToJPEG(t *testing.T) {
	src := domain.SourceImage{MIMEType: "image/tiff", Width: 10, Height: 10, DisplayName: "scan.tiff"}
	art, err := NewCompressor(nil, nil).Compress(context.Background(), src, gradient(10, 10), CompressOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatJPEG, art.Format)
}

func TestCompressHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := domain.SourceImage{MIMEType: "image/png", Width: 200, Height: 200, DisplayName: "n.png"}
	_, err := NewCompressor(nil, nil).Compress(ctx, src, noise(200, 200, 5), CompressOptions{
		MaxSizeMB: 0.000001,
		Format:    domain.FormatJPEG,
	})
	require.ErrorIs(t, err, context.Canceled)
}
