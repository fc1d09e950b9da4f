//go:build govips && cgo

package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/imageverse/internal/domain"
)

func registerPlatformCodecs(e *Encoder) {
	e.Register(domain.FormatWEBP, vipsCodec(exportWEBP))
	e.Register(domain.FormatHEIC, vipsCodec(exportHEIC))
}

type vipsExport func(ref *vips.ImageRef, quality int) ([]byte, error)

// vipsCodec stages the bitmap as PNG so libvips can load it, then exports.
func vipsCodec(export vipsExport) Codec {
	return func(w io.Writer, img image.Image, quality float64) error {
		var staged bytes.Buffer
		if err := png.Encode(&staged, img); err != nil {
			return fmt.Errorf("stage bitmap: %w", err)
		}
		ref, err := vips.NewImageFromBuffer(staged.Bytes())
		if err != nil {
			return fmt.Errorf("load bitmap: %w", err)
		}
		defer ref.Close()

		data, err := export(ref, JPEGQuality(quality))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
}

func exportWEBP(ref *vips.ImageRef, quality int) ([]byte, error) {
	params := vips.NewWebpExportParams()
	params.Quality = quality
	data, _, err := ref.ExportWebp(params)
	if err != nil {
		return nil, fmt.Errorf("export webp: %w", err)
	}
	return data, nil
}

func exportHEIC(ref *vips.ImageRef, quality int) ([]byte, error) {
	params := vips.NewHeifExportParams()
	params.Quality = quality
	data, _, err := ref.ExportHeif(params)
	if err != nil {
		return nil, fmt.Errorf("export heic: %w", err)
	}
	return data, nil
}
