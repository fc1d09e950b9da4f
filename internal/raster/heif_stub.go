//go:build !heif || !cgo

package raster

import "errors"

const HEICSupported = false

var errHEICUnsupported = errors.New("heic support requires the heif build tag and cgo")

func heicToPNG([]byte) ([]byte, error) {
	return nil, errHEICUnsupported
}
