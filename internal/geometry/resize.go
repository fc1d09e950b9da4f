package geometry

import (
	"math"

	"github.com/dunamismax/imageverse/internal/domain"
)

const (
	// MaxResizePreview is the longest side of the resizer's preview box.
	MaxResizePreview = 400
	// MaxUpscaleSide is the largest target side the upscaling service accepts.
	MaxUpscaleSide = 4096
)

// FitResize computes output dimensions for the resizer. Without keepAspect
// both sides are used as given, with a missing side derived from the source
// ratio. With keepAspect the source is fitted inside the target box.
func FitResize(srcW, srcH, targetW, targetH int, keepAspect bool) (int, int, error) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, domain.GeometryError("source image has no pixels")
	}
	if targetW < 0 || targetH < 0 {
		return 0, 0, domain.GeometryError("resize dimensions must not be negative")
	}
	if targetW == 0 && targetH == 0 {
		return 0, 0, domain.GeometryError("resize needs a width or a height")
	}

	ratio := float64(srcW) / float64(srcH)
	switch {
	case targetH == 0:
		return targetW, max(1, int(math.Round(float64(targetW)/ratio))), nil
	case targetW == 0:
		return max(1, int(math.Round(float64(targetH)*ratio))), targetH, nil
	case !keepAspect:
		return targetW, targetH, nil
	}

	scale := math.Min(float64(targetW)/float64(srcW), float64(targetH)/float64(srcH))
	w := max(1, int(math.Round(float64(srcW)*scale)))
	h := max(1, int(math.Round(float64(srcH)*scale)))
	return min(w, targetW), min(h, targetH), nil
}

// PreviewBoxScale is the factor applied to a srcW x srcH image so its longest
// side fits maxPreview. Images already smaller are shown at 1.
func PreviewBoxScale(srcW, srcH int, maxPreview float64) float64 {
	longest := float64(max(srcW, srcH))
	if longest <= 0 || maxPreview <= 0 || longest <= maxPreview {
		return 1
	}
	return maxPreview / longest
}

// ResizeFromPreview converts a size picked on the capped preview box back to
// real output pixels.
func ResizeFromPreview(previewW, previewH float64, srcW, srcH int, maxPreview float64) (int, int, error) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, domain.GeometryError("source image has no pixels")
	}
	if !finitePositive(previewW) || !finitePositive(previewH) {
		return 0, 0, domain.GeometryError("preview size must be positive")
	}
	scale := PreviewBoxScale(srcW, srcH, maxPreview)
	w := max(1, int(math.Round(previewW/scale)))
	h := max(1, int(math.Round(previewH/scale)))
	return w, h, nil
}

// UpscaleTarget is exactly twice the source size.
func UpscaleTarget(w, h int) (int, int) {
	return 2 * w, 2 * h
}

// UpscaleAllowed reports whether the 2x target stays within MaxUpscaleSide.
func UpscaleAllowed(w, h int) bool {
	tw, th := UpscaleTarget(w, h)
	return tw <= MaxUpscaleSide && th <= MaxUpscaleSide
}
