package transform

import (
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/dunamismax/imageverse/internal/domain"
)

type standardSurface struct {
	maxSide int
}

// NewStandardSurface returns a pure Go surface. maxSide <= 0 selects
// MaxCanvasSide.
func NewStandardSurface(maxSide int) Surface {
	if maxSide <= 0 {
		maxSide = MaxCanvasSide
	}
	return standardSurface{maxSide: maxSide}
}

func (s standardSurface) MaxSide() int {
	return s.maxSide
}

func (s standardSurface) NewCanvas(width, height int) (Canvas, error) {
	if err := checkCanvasSize(width, height, s.maxSide); err != nil {
		return nil, err
	}
	return &standardCanvas{
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
		m:       identity,
		maxSide: s.maxSide,
	}, nil
}

type standardCanvas struct {
	img     *image.RGBA
	m       f64.Aff3
	maxSide int
}

func (c *standardCanvas) Bounds() image.Rectangle {
	return c.img.Bounds()
}

func (c *standardCanvas) Translate(x, y float64) {
	c.m = mul(c.m, translation(x, y))
}

func (c *standardCanvas) Rotate(radians float64) {
	c.m = mul(c.m, rotation(radians))
}

func (c *standardCanvas) Scale(sx, sy float64) {
	c.m = mul(c.m, scaling(sx, sy))
}

func (c *standardCanvas) ResetTransform() {
	c.m = identity
}

func (c *standardCanvas) DrawImage(src image.Image, dx, dy float64) error {
	if src == nil || src.Bounds().Empty() {
		return domain.TransformError("source bitmap is empty", nil)
	}
	if !finite(dx) || !finite(dy) {
		return domain.TransformError("draw offset must be finite", nil)
	}
	sr := src.Bounds()
	s2d := mul(c.m, translation(dx-float64(sr.Min.X), dy-float64(sr.Min.Y)))

	if m, ok := exact(s2d); ok {
		if isTranslation(m) {
			dr := transformedBounds(m, sr)
			draw.Draw(c.img, dr, src, sr.Min, draw.Over)
			return nil
		}
		draw.NearestNeighbor.Transform(c.img, m, src, sr, draw.Over, nil)
		return nil
	}
	draw.BiLinear.Transform(c.img, s2d, src, sr, draw.Over, nil)
	return nil
}

func (c *standardCanvas) DrawImageScaled(src image.Image, width, height int) error {
	if src == nil || src.Bounds().Empty() {
		return domain.TransformError("source bitmap is empty", nil)
	}
	if err := checkCanvasSize(width, height, c.maxSide); err != nil {
		return err
	}

	if m, ok := exact(c.m); ok && isTranslation(m) {
		tx, ty := int(m[2]), int(m[5])
		draw.CatmullRom.Scale(c.img, image.Rect(tx, ty, tx+width, ty+height), src, src.Bounds(), draw.Over, nil)
		return nil
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)
	return c.DrawImage(scaled, 0, 0)
}

func (c *standardCanvas) ImageData() *image.RGBA {
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}
