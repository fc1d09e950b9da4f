// Package geometry turns cropper and resizer controls into source-pixel
// geometry. Everything here is pure: no decoding, no allocation of bitmaps.
package geometry

import (
	"math"

	"github.com/dunamismax/imageverse/internal/domain"
)

// PreviewScale is previewDisplayWidth / intrinsicWidth.
func PreviewScale(displayWidth float64, intrinsicWidth int) (float64, error) {
	if intrinsicWidth <= 0 {
		return 0, domain.GeometryError("source image has no width")
	}
	if !finitePositive(displayWidth) {
		return 0, domain.GeometryError("preview width must be positive")
	}
	return displayWidth / float64(intrinsicWidth), nil
}

// Resolve maps the crop box of a scaled preview back to a region of the
// source image.
//
// The crop box sits centred over the preview. Zoom magnifies the image under
// it and CropOffset pans the image, both in preview pixels, so the preview
// region under the box is box/zoom wide and shifted by -offset/zoom. Dividing
// by previewScale converts to source pixels. The result is clamped so it is
// at least 1x1 and fully contained in the source.
func Resolve(vs domain.ViewportState, src domain.SourceImage, previewScale float64) (domain.CropRegion, error) {
	if src.Width <= 0 || src.Height <= 0 {
		return domain.CropRegion{}, domain.GeometryError("source image has no pixels")
	}
	if !finitePositive(previewScale) {
		return domain.CropRegion{}, domain.GeometryError("preview scale must be a positive number")
	}

	zoom := vs.Zoom
	if zoom == 0 {
		zoom = domain.MinZoom
	}
	if math.IsNaN(zoom) || zoom < domain.MinZoom || zoom > domain.MaxZoom {
		return domain.CropRegion{}, domain.GeometryError("zoom must be between 1 and 3")
	}
	if !finite(vs.CropOffset.X) || !finite(vs.CropOffset.Y) {
		return domain.CropRegion{}, domain.GeometryError("crop offset must be finite")
	}

	previewW := float64(src.Width) * previewScale
	previewH := float64(src.Height) * previewScale

	box := vs.CropBox
	if box.Width == 0 && box.Height == 0 {
		box = domain.PreviewSize{Width: previewW, Height: previewH}
	}
	if vs.Aspect.Locked() {
		box = domain.LockAspect(box, vs.Aspect.Ratio, vs.Driver)
	}
	if !finite(box.Width) || !finite(box.Height) || box.Width < 0 || box.Height < 0 {
		return domain.CropRegion{}, domain.GeometryError("crop box must have finite, non-negative size")
	}

	w := box.Width / zoom
	h := box.Height / zoom
	x := (previewW-w)/2 - vs.CropOffset.X/zoom
	y := (previewH-h)/2 - vs.CropOffset.Y/zoom

	sx, sy := x/previewScale, y/previewScale
	sw, sh := w/previewScale, h/previewScale

	if vs.Aspect.Locked() && sw > 0 && sh > 0 {
		// shrink both sides together so the ratio survives the clamp
		f := math.Min(1, math.Min(float64(src.Width)/sw, float64(src.Height)/sh))
		sw, sh = sw*f, sh*f
	}

	region := domain.CropRegion{
		Width:  clampInt(int(math.Round(sw)), 1, src.Width),
		Height: clampInt(int(math.Round(sh)), 1, src.Height),
	}
	region.X = clampInt(int(math.Round(sx)), 0, src.Width-region.Width)
	region.Y = clampInt(int(math.Round(sy)), 0, src.Height-region.Height)

	if region.Empty() || !region.Within(src.Width, src.Height) {
		return domain.CropRegion{}, domain.GeometryError("crop region has zero area")
	}
	return region, nil
}

// ClampRegion forces an explicit source-pixel region inside a w x h image.
func ClampRegion(r domain.CropRegion, w, h int) (domain.CropRegion, error) {
	if w <= 0 || h <= 0 {
		return domain.CropRegion{}, domain.GeometryError("source image has no pixels")
	}
	x0 := clampInt(r.X, 0, w)
	y0 := clampInt(r.Y, 0, h)
	x1 := clampInt(r.X+r.Width, 0, w)
	y1 := clampInt(r.Y+r.Height, 0, h)
	out := domain.CropRegion{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	if out.Empty() {
		return domain.CropRegion{}, domain.GeometryError("crop region has zero area")
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finitePositive(v float64) bool {
	return finite(v) && v > 0
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
