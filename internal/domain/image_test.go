package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMapping(t *testing.T) {
	cases := map[Format]struct {
		mime string
		ext  string
	}{
		FormatPNG:  {"image/png", "png"},
		FormatJPEG: {"image/jpeg", "jpg"},
		FormatWEBP: {"image/webp", "webp"},
		FormatGIF:  {"image/gif", "gif"},
		FormatBMP:  {"image/bmp", "bmp"},
		FormatHEIC: {"image/heic", "heic"},
	}
	for f, want := range cases {
		assert.Equal(t, want.mime, f.MIMEType(), f)
		assert.Equal(t, want.ext, f.Extension(), f)
		back, ok := FormatFromMIME(want.mime)
		require.True(t, ok)
		assert.Equal(t, f, back)
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JPG")
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)

	f, err = ParseFormat(".webp")
	require.NoError(t, err)
	assert.Equal(t, FormatWEBP, f)

	_, err = ParseFormat("tiff")
	require.Error(t, err)
}

func TestSuggestedFilename(t *testing.T) {
	assert.Equal(t, "compressed_photo.jpg", SuggestedFilename(VerbCompressed, "photo.jpeg", FormatJPEG))
	assert.Equal(t, "cropped_my.holiday.png", SuggestedFilename(VerbCropped, "dir/my.holiday.jpg", FormatPNG))
	assert.Equal(t, "flipped_hv_a.png", SuggestedFilename(FlipVerb(true, true), "a.png", FormatPNG))
	assert.Equal(t, "flipped_v_a.png", SuggestedFilename(FlipVerb(false, true), "a.png", FormatPNG))
	assert.Equal(t, "no-bg_cat.png", SuggestedFilename(VerbNoBG, "cat.heic", FormatPNG))
	assert.Equal(t, "upscaled_2x_image.png", SuggestedFilename(VerbUpscaled, "", FormatPNG))
}

func TestViewportUpdatesAreCopies(t *testing.T) {
	base := NewViewport(400, 300)
	zoomed := base.WithZoom(5)
	assert.Equal(t, 1.0, base.Zoom)
	assert.Equal(t, MaxZoom, zoomed.Zoom)
	assert.Equal(t, MinZoom, base.WithZoom(0.2).Zoom)

	rotated := base.WithRotation(-90)
	assert.Equal(t, 270.0, rotated.Rotation)
	assert.Equal(t, 0.0, base.WithRotation(720).Rotation)

	locked := base.WithAspect(AspectSquare).WithCropSize(200, 50, DimensionWidth)
	assert.Equal(t, PreviewSize{Width: 200, Height: 200}, locked.CropBox)

	locked = locked.WithCropSize(10, 120, DimensionHeight)
	assert.Equal(t, PreviewSize{Width: 120, Height: 120}, locked.CropBox)

	free := base.WithCropSize(200, 50, DimensionWidth)
	assert.Equal(t, PreviewSize{Width: 200, Height: 50}, free.CropBox)
}

func TestTransformRequestValidate(t *testing.T) {
	ok := TransformRequest{Format: FormatPNG, Quality: 0.95}
	require.NoError(t, ok.Validate())

	badQuality := TransformRequest{Format: FormatPNG, Quality: 1.5}
	require.ErrorIs(t, badQuality.Validate(), ErrInvalidGeometry)

	badRotation := TransformRequest{Format: FormatPNG, Rotation: 360}
	require.ErrorIs(t, badRotation.Validate(), ErrInvalidGeometry)

	noFormat := TransformRequest{Quality: 0.5}
	require.Error(t, noFormat.Validate())

	zeroCrop := TransformRequest{Format: FormatPNG, Crop: &CropRegion{Width: 0, Height: 10}}
	require.ErrorIs(t, zeroCrop.Validate(), ErrInvalidGeometry)

	negative := TransformRequest{Format: FormatPNG, Crop: &CropRegion{X: -5, Y: 0, Width: 10, Height: 10}}
	require.ErrorIs(t, negative.Validate(), ErrInvalidGeometry)

	negative.Rotation = 30
	require.NoError(t, negative.Validate())
}

func TestErrorTaxonomy(t *testing.T) {
	err := DecodeError("not an image", errors.New("bad magic"))
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, "not an image", Message(err))

	remote := error(&RemoteError{Provider: "clipdrop", Message: "too large"})
	require.ErrorIs(t, remote, ErrRemote)
	assert.Equal(t, "too large", Message(remote))

	missing := MissingCredentialError("remove.bg")
	require.ErrorIs(t, missing, ErrMissingCredential)
	require.NotErrorIs(t, missing, ErrRemote)
}
