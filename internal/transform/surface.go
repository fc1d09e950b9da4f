// Package transform draws decoded bitmaps onto canvases to crop, rotate, flip
// and resize them.
package transform

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/math/f64"

	"github.com/dunamismax/imageverse/internal/domain"
)

// MaxCanvasSide is the default limit for either side of a canvas.
const MaxCanvasSide = 10000

// Surface allocates canvases no larger than MaxSide on either side.
type Surface interface {
	NewCanvas(width, height int) (Canvas, error)
	MaxSide() int
}

// Canvas is a 2D drawing target with a current transform. Draw calls go
// through the transform; pixel reads and writes do not.
type Canvas interface {
	Bounds() image.Rectangle
	Translate(x, y float64)
	Rotate(radians float64)
	Scale(sx, sy float64)
	ResetTransform()
	// DrawImage draws src with its top-left corner at (dx, dy) in user space.
	DrawImage(src image.Image, dx, dy float64) error
	// DrawImageScaled draws src resampled to width x height at the user-space origin.
	DrawImageScaled(src image.Image, width, height int) error
	// ImageData returns a copy of the canvas pixels.
	ImageData() *image.RGBA
}

func checkCanvasSize(width, height, maxSide int) error {
	if width <= 0 || height <= 0 {
		return domain.TransformError(fmt.Sprintf("canvas %dx%d has no pixels", width, height), nil)
	}
	if maxSide > 0 && (width > maxSide || height > maxSide) {
		return domain.TransformError(fmt.Sprintf("canvas %dx%d exceeds the %d pixel limit", width, height, maxSide), nil)
	}
	return nil
}

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// mul returns m*n, the transform that applies n first.
func mul(m, n f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		m[0]*n[0] + m[1]*n[3],
		m[0]*n[1] + m[1]*n[4],
		m[0]*n[2] + m[1]*n[5] + m[2],
		m[3]*n[0] + m[4]*n[3],
		m[3]*n[1] + m[4]*n[4],
		m[3]*n[2] + m[4]*n[5] + m[5],
	}
}

func translation(x, y float64) f64.Aff3 {
	return f64.Aff3{1, 0, x, 0, 1, y}
}

func rotation(rad float64) f64.Aff3 {
	sin, cos := math.Sincos(rad)
	return f64.Aff3{cos, -sin, 0, sin, cos, 0}
}

func scaling(sx, sy float64) f64.Aff3 {
	return f64.Aff3{sx, 0, 0, 0, sy, 0}
}

const snapEpsilon = 1e-9

func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < snapEpsilon {
		return r
	}
	return v
}

// exact reports whether m maps the pixel grid onto itself: every linear
// entry is -1, 0 or 1, it is one of the eight right-angle symmetries, and the
// translation is whole. Such draws are plain pixel copies.
func exact(m f64.Aff3) (f64.Aff3, bool) {
	var s f64.Aff3
	for i := range m {
		s[i] = snap(m[i])
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] != 0 && s[i] != 1 && s[i] != -1 {
			return m, false
		}
	}
	if s[2] != math.Trunc(s[2]) || s[5] != math.Trunc(s[5]) {
		return m, false
	}
	axisAligned := s[1] == 0 && s[3] == 0 && s[0] != 0 && s[4] != 0
	swapped := s[0] == 0 && s[4] == 0 && s[1] != 0 && s[3] != 0
	if !axisAligned && !swapped {
		return m, false
	}
	return s, true
}

func isTranslation(m f64.Aff3) bool {
	return m[0] == 1 && m[1] == 0 && m[3] == 0 && m[4] == 1
}

// transformedBounds is the integer box covering r after m.
func transformedBounds(m f64.Aff3, r image.Rectangle) image.Rectangle {
	xs := [4]float64{float64(r.Min.X), float64(r.Max.X), float64(r.Min.X), float64(r.Max.X)}
	ys := [4]float64{float64(r.Min.Y), float64(r.Min.Y), float64(r.Max.Y), float64(r.Max.Y)}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := range xs {
		x := m[0]*xs[i] + m[1]*ys[i] + m[2]
		y := m[3]*xs[i] + m[4]*ys[i] + m[5]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
