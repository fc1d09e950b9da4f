package transform

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/geometry"
)

// Engine applies TransformRequests to decoded bitmaps. Passes run in a fixed
// order: rotation-safe crop, flip, resize. Passes that only move pixels return
// *image.NRGBA; passes that resample go through a canvas.
type Engine struct {
	surface Surface
	logger  *zap.Logger
}

func NewEngine(surface Surface, logger *zap.Logger) *Engine {
	if surface == nil {
		surface = DefaultSurface(MaxCanvasSide)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{surface: surface, logger: logger}
}

func (e *Engine) Apply(ctx context.Context, req domain.TransformRequest, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, domain.TransformError("source bitmap is empty", nil)
	}

	out := img
	var err error
	touched := false

	if req.HasCrop() || req.HasRotation() {
		out, err = e.rotateCrop(out, req.Crop, req.Rotation)
		if err != nil {
			return nil, err
		}
		touched = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if req.HasFlip() {
		out, err = e.flip(out, req.FlipHorizontal, req.FlipVertical)
		if err != nil {
			return nil, err
		}
		touched = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if req.HasResize() {
		b := out.Bounds()
		w, h, err := geometry.FitResize(b.Dx(), b.Dy(), req.TargetWidth, req.TargetHeight, false)
		if err != nil {
			return nil, err
		}
		out, err = e.resize(out, w, h)
		if err != nil {
			return nil, err
		}
		touched = true
	}

	if !touched {
		return e.copy(img)
	}

	b := out.Bounds()
	e.logger.Debug("transform applied",
		zap.Int("src_width", img.Bounds().Dx()),
		zap.Int("src_height", img.Bounds().Dy()),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Float64("rotation", req.Rotation),
		zap.Bool("flip_h", req.FlipHorizontal),
		zap.Bool("flip_v", req.FlipVertical),
	)
	return out, nil
}

// rotateCrop places the source centred in a safe-area square, rotates it about
// its own centre and extracts the crop so the crop origin lands on (0, 0).
// Crop coordinates are relative to the unrotated source's top-left corner.
// Without a crop the rotated bounding box is extracted. Only the crop window of
// the safe area is rasterised, so the canvas limit applies to the output.
func (e *Engine) rotateCrop(img image.Image, crop *domain.CropRegion, degrees float64) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if degrees == 0 {
		region := *crop
		if !region.Within(w, h) {
			return nil, domain.GeometryError(fmt.Sprintf("crop region %dx%d+%d+%d lies outside the %dx%d image",
				region.Width, region.Height, region.X, region.Y, w, h))
		}
		if err := checkCanvasSize(region.Width, region.Height, e.surface.MaxSide()); err != nil {
			return nil, err
		}
		rect := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height).Add(b.Min)
		return imaging.Crop(img, rect), nil
	}

	if crop == nil {
		if out, ok, err := e.quarterTurn(img, degrees); ok || err != nil {
			return out, err
		}
	}

	safe := geometry.SafeAreaSize(w, h)
	ox, oy := geometry.SafeAreaOrigin(safe, w, h)

	var region domain.CropRegion
	if crop != nil {
		region = *crop
		if region.X+ox < 0 || region.Y+oy < 0 || region.X+ox+region.Width > safe || region.Y+oy+region.Height > safe {
			return nil, domain.GeometryError("crop region lies outside the rotated image")
		}
	} else {
		bw, bh := geometry.RotatedBounds(w, h, degrees)
		region = domain.CropRegion{
			X:      int(math.Floor(float64(w-bw)/2 + 0.5)),
			Y:      int(math.Floor(float64(h-bh)/2 + 0.5)),
			Width:  bw,
			Height: bh,
		}
	}

	canvas, err := e.surface.NewCanvas(region.Width, region.Height)
	if err != nil {
		return nil, err
	}
	// the canvas is the crop window of the safe area; rotate about the centre
	// of the placed source so right angles stay on the pixel grid
	canvas.Translate(float64(-(ox + region.X)), float64(-(oy + region.Y)))
	cx := float64(ox) + float64(w)/2
	cy := float64(oy) + float64(h)/2
	canvas.Translate(cx, cy)
	canvas.Rotate(geometry.Radians(degrees))
	canvas.Translate(-cx, -cy)
	if err := canvas.DrawImage(img, float64(ox), float64(oy)); err != nil {
		return nil, err
	}
	return canvas.ImageData(), nil
}

// quarterTurn rotates by a clockwise right angle without resampling. It
// reports false for any other angle.
func (e *Engine) quarterTurn(img image.Image, degrees float64) (image.Image, bool, error) {
	b := img.Bounds()
	var rotate func(image.Image) *image.NRGBA
	w, h := b.Dy(), b.Dx()
	switch domain.NormalizeRotation(degrees) {
	case 90:
		rotate = imaging.Rotate270
	case 180:
		rotate = imaging.Rotate180
		w, h = h, w
	case 270:
		rotate = imaging.Rotate90
	default:
		return nil, false, nil
	}
	if err := checkCanvasSize(w, h, e.surface.MaxSide()); err != nil {
		return nil, true, err
	}
	return rotate(img), true, nil
}

// flip mirrors pixel for pixel, so flipping twice restores the source
// exactly, translucent pixels included.
func (e *Engine) flip(img image.Image, horizontal, vertical bool) (image.Image, error) {
	b := img.Bounds()
	if err := checkCanvasSize(b.Dx(), b.Dy(), e.surface.MaxSide()); err != nil {
		return nil, err
	}
	switch {
	case horizontal && vertical:
		return imaging.Rotate180(img), nil
	case horizontal:
		return imaging.FlipH(img), nil
	default:
		return imaging.FlipV(img), nil
	}
}

func (e *Engine) resize(img image.Image, width, height int) (image.Image, error) {
	canvas, err := e.surface.NewCanvas(width, height)
	if err != nil {
		return nil, err
	}
	if err := canvas.DrawImageScaled(img, width, height); err != nil {
		return nil, err
	}
	return canvas.ImageData(), nil
}

func (e *Engine) copy(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if err := checkCanvasSize(b.Dx(), b.Dy(), e.surface.MaxSide()); err != nil {
		return nil, err
	}
	return imaging.Clone(img), nil
}
