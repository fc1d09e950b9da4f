package geometry

import (
	"math"
)

// SafeAreaSize is the side of a square that holds a w x h image at any
// rotation: 2 * (max(w,h)/2) * sqrt(2), rounded up to whole pixels.
func SafeAreaSize(w, h int) int {
	side := max(w, h)
	if side <= 0 {
		return 0
	}
	return int(math.Ceil(2 * (float64(side) / 2) * math.Sqrt2))
}

// SafeAreaOrigin is where the top-left corner of a w x h image lands when it
// is centred in a safe area of the given size.
func SafeAreaOrigin(safe, w, h int) (int, int) {
	return (safe - w) / 2, (safe - h) / 2
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// RotatedBounds is the size of the axis-aligned box around a w x h image
// rotated by deg degrees.
func RotatedBounds(w, h int, deg float64) (int, int) {
	rad := Radians(deg)
	sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
	bw := float64(w)*cos + float64(h)*sin
	bh := float64(w)*sin + float64(h)*cos
	const eps = 1e-9
	return max(1, int(math.Ceil(bw-eps))), max(1, int(math.Ceil(bh-eps)))
}
