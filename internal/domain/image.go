package domain

import (
	"path/filepath"
	"strings"
)

// SourceImage is a loaded input file. It is never mutated after the loader
// returns it.
type SourceImage struct {
	Bytes       []byte
	MIMEType    string
	Width       int
	Height      int
	DisplayName string
	// Orientation is the EXIF orientation tag (1-8) found in the input, 0 when absent.
	Orientation int
}

func (s SourceImage) Size() int {
	return len(s.Bytes)
}

// CropRegion is expressed in source pixels.
type CropRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r CropRegion) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Within reports whether the region lies fully inside a w x h image.
func (r CropRegion) Within(w, h int) bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.Width <= w && r.Y+r.Height <= h
}

type TransformRequest struct {
	Source         SourceImage `validate:"-"`
	Crop           *CropRegion `validate:"omitempty"`
	Rotation       float64     `validate:"gte=0,lt=360"`
	FlipHorizontal bool
	FlipVertical   bool
	TargetWidth    int     `validate:"gte=0"`
	TargetHeight   int     `validate:"gte=0"`
	Format         Format  `validate:"required"`
	Quality        float64 `validate:"gte=0,lte=1"`
}

func (r TransformRequest) HasCrop() bool {
	return r.Crop != nil
}

func (r TransformRequest) HasRotation() bool {
	return r.Rotation != 0
}

func (r TransformRequest) HasFlip() bool {
	return r.FlipHorizontal || r.FlipVertical
}

func (r TransformRequest) HasResize() bool {
	return r.TargetWidth > 0 || r.TargetHeight > 0
}

// OutputArtifact is a finished, encoded image.
type OutputArtifact struct {
	Bytes             []byte
	MIMEType          string
	Format            Format
	Width             int
	Height            int
	ByteSize          int
	SuggestedFilename string
}

const (
	VerbCompressed = "compressed"
	VerbCropped    = "cropped"
	VerbResized    = "resized"
	VerbConverted  = "converted"
	VerbUpscaled   = "upscaled_2x"
	VerbNoBG       = "no-bg"
)

// FlipVerb returns flipped_h, flipped_v or flipped_hv.
func FlipVerb(horizontal, vertical bool) string {
	suffix := ""
	if horizontal {
		suffix += "h"
	}
	if vertical {
		suffix += "v"
	}
	if suffix == "" {
		return "flipped"
	}
	return "flipped_" + suffix
}

// BaseName strips the directory and the last extension from a file name.
func BaseName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "image"
	}
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	if name == "" {
		return "image"
	}
	return name
}

// SuggestedFilename builds <verb>_<basename>.<ext>.
func SuggestedFilename(verb, displayName string, format Format) string {
	base := BaseName(displayName)
	if verb == "" {
		return base + "." + format.Extension()
	}
	return verb + "_" + base + "." + format.Extension()
}
