package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/remote"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestRunnerCropFromViewport(t *testing.T) {
	r := NewRunner(nil)
	vs := domain.NewViewport(100, 60).
		WithCropSize(40, 30, domain.DimensionWidth).
		WithCropOffset(10, 5)

	out, err := r.Run(context.Background(), Crop{Viewport: &vs, PreviewWidth: 100, Format: domain.FormatPNG}, Input{
		Name:     "scene.png",
		MIMEType: "image/png",
		Bytes:    testPNG(t, 200, 120),
	})
	require.NoError(t, err)
	assert.Equal(t, "cropped_scene.png", out.Artifact.SuggestedFilename)
	assert.Equal(t, 80, out.Artifact.Width)
	assert.Equal(t, 60, out.Artifact.Height)
	assert.Equal(t, 200, out.Source.Width)

	img := decodePNG(t, out.Artifact.Bytes)
	assert.Equal(t, image.Rect(0, 0, 80, 60), img.Bounds())
}

func TestRunnerCropExplicitRegionWithRotation(t *testing.T) {
	r := NewRunner(nil)
	out, err := r.Run(context.Background(), Crop{
		Region:   &domain.CropRegion{X: 0, Y: 0, Width: 10, Height: 10},
		Rotation: -90,
	}, Input{Name: "a.png", Bytes: testPNG(t, 20, 10)})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatPNG, out.Artifact.Format)
	assert.Equal(t, 10, out.Artifact.Width)
}

func TestRunnerResizeKeepsSourceFormat(t *testing.T) {
	r := NewRunner(nil)
	out, err := r.Run(context.Background(), Resize{Width: 50}, Input{Name: "wide.png", Bytes: testPNG(t, 200, 100)})
	require.NoError(t, err)
	assert.Equal(t, domain.FormatPNG, out.Artifact.Format)
	assert.Equal(t, [2]int{50, 25}, [2]int{out.Artifact.Width, out.Artifact.Height})
	assert.Equal(t, "resized_wide.png", out.Artifact.SuggestedFilename)
}

func TestRunnerResizeFromPreviewBox(t *testing.T) {
	r := NewRunner(nil)
	// 800x400 is shown at 400x200; 200 preview pixels are 400 real ones
	out, err := r.Run(context.Background(), Resize{Width: 200, Preview: true}, Input{Name: "p.png", Bytes: testPNG(t, 800, 400)})
	require.NoError(t, err)
	assert.Equal(t, [2]int{400, 200}, [2]int{out.Artifact.Width, out.Artifact.Height})
}

func TestRunnerFlipAndConvert(t *testing.T) {
	r := NewRunner(nil)
	src := testPNG(t, 12, 8)

	flipped, err := r.Run(context.Background(), Flip{Horizontal: true, Vertical: true}, Input{Name: "f.png", Bytes: src})
	require.NoError(t, err)
	assert.Equal(t, "flipped_hv_f.png", flipped.Artifact.SuggestedFilename)

	orig := decodePNG(t, src)
	img := decodePNG(t, flipped.Artifact.Bytes)
	assert.Equal(t, colorAt(orig, 0, 0), colorAt(img, 11, 7))

	converted, err := r.Run(context.Background(), Convert{Format: domain.FormatJPEG, Quality: 0.9}, Input{Name: "f.png", Bytes: src})
	require.NoError(t, err)
	assert.Equal(t, "converted_f.jpg", converted.Artifact.SuggestedFilename)
	assert.Equal(t, "image/jpeg", converted.Artifact.MIMEType)
}

func TestRunnerFlipTwiceRestoresTranslucentPixels(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 37)
	}
	src.SetNRGBA(0, 0, color.NRGBA{R: 0, G: 201, B: 99, A: 3})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	r := NewRunner(nil)
	data := buf.Bytes()
	for i := 0; i < 2; i++ {
		out, err := r.Run(context.Background(), Flip{Horizontal: true}, Input{Name: "t.png", Bytes: data})
		require.NoError(t, err)
		data = out.Artifact.Bytes
	}

	img := decodePNG(t, data)
	require.IsType(t, &image.NRGBA{}, img)
	assert.Equal(t, src.Pix, img.(*image.NRGBA).Pix)
}

func colorAt(img image.Image, x, y int) [4]uint32 {
	r, g, b, a := img.At(x, y).RGBA()
	return [4]uint32{r, g, b, a}
}

type fakeEnhancer struct {
	calls []remote.Kind
	src   domain.SourceImage
}

func (f *fakeEnhancer) Enhance(_ context.Context, src domain.SourceImage, kind remote.Kind) (domain.OutputArtifact, error) {
	f.calls = append(f.calls, kind)
	f.src = src
	return domain.OutputArtifact{
		Bytes:             []byte("png"),
		Format:            domain.FormatPNG,
		MIMEType:          "image/png",
		ByteSize:          3,
		SuggestedFilename: domain.SuggestedFilename(domain.VerbNoBG, src.DisplayName, domain.FormatPNG),
	}, nil
}

func TestRunnerForwardsRemoteTools(t *testing.T) {
	enhancer := &fakeEnhancer{}
	r := NewRunner(nil, WithEnhancer(enhancer))

	out, err := r.Run(context.Background(), RemoveBackground{}, Input{Name: "cat.png", MIMEType: "application/octet-stream", Bytes: testPNG(t, 4, 4)})
	require.NoError(t, err)
	assert.Equal(t, "no-bg_cat.png", out.Artifact.SuggestedFilename)
	assert.Equal(t, "image/png", enhancer.src.MIMEType)

	_, err = r.Run(context.Background(), Upscale{}, Input{Name: "cat.png", Bytes: testPNG(t, 4, 4)})
	require.NoError(t, err)
	assert.Equal(t, []remote.Kind{remote.KindRemoveBackground, remote.KindUpscale}, enhancer.calls)

	_, err = r.Run(context.Background(), Upscale{}, Input{Name: "notes.txt", MIMEType: "text/plain", Bytes: []byte("hello")})
	require.ErrorIs(t, err, domain.ErrDecode)
	assert.Len(t, enhancer.calls, 2)
}

func TestRunnerWithoutEnhancerReportsMissingCredential(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Run(context.Background(), Upscale{}, Input{Name: "a.png", Bytes: testPNG(t, 4, 4)})
	require.ErrorIs(t, err, domain.ErrMissingCredential)
}
