//go:build govips && cgo

package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"golang.org/x/image/draw"

	"github.com/dunamismax/imageverse/internal/domain"
)

// DefaultSurface is the surface the binaries use. With govips, scaled draws
// are resampled by libvips.
func DefaultSurface(maxSide int) Surface {
	return NewVipsSurface(maxSide)
}

type vipsSurface struct {
	standardSurface
}

// NewVipsSurface returns a surface whose canvases resample with libvips
// Lanczos3. vips must be started by the caller.
func NewVipsSurface(maxSide int) Surface {
	if maxSide <= 0 {
		maxSide = MaxCanvasSide
	}
	return vipsSurface{standardSurface{maxSide: maxSide}}
}

func (s vipsSurface) NewCanvas(width, height int) (Canvas, error) {
	canvas, err := s.standardSurface.NewCanvas(width, height)
	if err != nil {
		return nil, err
	}
	return &vipsCanvas{standardCanvas: canvas.(*standardCanvas)}, nil
}

type vipsCanvas struct {
	*standardCanvas
}

func (c *vipsCanvas) DrawImageScaled(src image.Image, width, height int) error {
	if src == nil || src.Bounds().Empty() {
		return domain.TransformError("source bitmap is empty", nil)
	}
	if err := checkCanvasSize(width, height, c.maxSide); err != nil {
		return err
	}

	scaled, err := vipsResize(src, width, height)
	if err != nil {
		return domain.TransformError("resample image", err)
	}
	return c.DrawImage(scaled, 0, 0)
}

func vipsResize(src image.Image, width, height int) (image.Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return nil, fmt.Errorf("stage bitmap: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load bitmap: %w", err)
	}
	defer ref.Close()

	hscale := float64(width) / float64(ref.Width())
	vscale := float64(height) / float64(ref.Height())
	if err := ref.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}

	data, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("export bitmap: %w", err)
	}
	out, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode bitmap: %w", err)
	}
	if b := out.Bounds(); b.Dx() != width || b.Dy() != height {
		// libvips rounds scale factors; land on the exact size
		return fitExact(out, width, height), nil
	}
	return out, nil
}

// fitExact scales img to exactly width x height.
func fitExact(img image.Image, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out
}
