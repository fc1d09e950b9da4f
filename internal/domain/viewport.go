package domain

import "math"

const (
	MinZoom = 1.0
	MaxZoom = 3.0
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PreviewSize is the crop box size in preview pixels.
type PreviewSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Dimension names the side of the crop box the user changed last.
type Dimension int

const (
	DimensionWidth Dimension = iota
	DimensionHeight
)

// AspectLock is either free (Ratio == 0) or a fixed width/height ratio.
type AspectLock struct {
	Ratio float64 `json:"ratio"`
}

func (a AspectLock) Locked() bool {
	return a.Ratio > 0 && !math.IsInf(a.Ratio, 0) && !math.IsNaN(a.Ratio)
}

var (
	AspectFree      = AspectLock{}
	AspectSquare    = AspectLock{Ratio: 1}
	AspectFourThree = AspectLock{Ratio: 4.0 / 3.0}
	AspectSixteen9  = AspectLock{Ratio: 16.0 / 9.0}
	AspectThreeTwo  = AspectLock{Ratio: 3.0 / 2.0}
)

// ViewportState is the cropper's interaction state. Every With* method returns
// an updated copy; the receiver is never modified.
type ViewportState struct {
	CropOffset Point       `json:"crop_offset"`
	Zoom       float64     `json:"zoom"`
	Rotation   float64     `json:"rotation"`
	Aspect     AspectLock  `json:"aspect"`
	CropBox    PreviewSize `json:"crop_box"`
	Driver     Dimension   `json:"driver"`
}

// NewViewport returns the state of a freshly loaded image: no pan, zoom 1,
// no rotation and a crop box covering the whole preview.
func NewViewport(previewWidth, previewHeight float64) ViewportState {
	return ViewportState{
		Zoom:    MinZoom,
		CropBox: PreviewSize{Width: previewWidth, Height: previewHeight},
	}
}

func (v ViewportState) WithCropOffset(x, y float64) ViewportState {
	v.CropOffset = Point{X: x, Y: y}
	return v
}

func (v ViewportState) WithZoom(z float64) ViewportState {
	v.Zoom = ClampZoom(z)
	return v
}

func (v ViewportState) WithRotation(deg float64) ViewportState {
	v.Rotation = NormalizeRotation(deg)
	return v
}

func (v ViewportState) WithAspect(a AspectLock) ViewportState {
	v.Aspect = a
	if a.Locked() {
		v.CropBox = LockAspect(v.CropBox, a.Ratio, v.Driver)
	}
	return v
}

// WithCropSize records a user resize of the crop box; driver is the side the
// user changed and decides which side follows under an aspect lock.
func (v ViewportState) WithCropSize(width, height float64, driver Dimension) ViewportState {
	v.Driver = driver
	v.CropBox = PreviewSize{Width: width, Height: height}
	if v.Aspect.Locked() {
		v.CropBox = LockAspect(v.CropBox, v.Aspect.Ratio, driver)
	}
	return v
}

// LockAspect derives the non-driving side of box from ratio (width/height).
func LockAspect(box PreviewSize, ratio float64, driver Dimension) PreviewSize {
	if driver == DimensionHeight {
		box.Width = box.Height * ratio
	} else {
		box.Height = box.Width / ratio
	}
	return box
}

func ClampZoom(z float64) float64 {
	if math.IsNaN(z) || z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// NormalizeRotation maps any angle into [0, 360).
func NormalizeRotation(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
