//go:build heif && cgo

package raster

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/strukturag/libheif/go/heif"
)

const HEICSupported = true

func heicToPNG(data []byte) ([]byte, error) {
	ctx, err := heif.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create heif context: %w", err)
	}
	if err := ctx.ReadFromMemory(data); err != nil {
		return nil, fmt.Errorf("read heif data: %w", err)
	}
	handle, err := ctx.GetPrimaryImageHandle()
	if err != nil {
		return nil, fmt.Errorf("get primary image: %w", err)
	}
	decoded, err := handle.DecodeImage(heif.ColorspaceUndefined, heif.ChromaUndefined, nil)
	if err != nil {
		return nil, fmt.Errorf("decode heif image: %w", err)
	}
	img, err := decoded.GetImage()
	if err != nil {
		return nil, fmt.Errorf("convert heif image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
