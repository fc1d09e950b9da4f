//go:build cgo && !govips

package encode

import (
	"image"
	"io"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	"github.com/dunamismax/imageverse/internal/domain"
)

func registerPlatformCodecs(e *Encoder) {
	e.Register(domain.FormatWEBP, encodeWEBP)
}

func encodeWEBP(w io.Writer, img image.Image, quality float64) error {
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality*100))
	if err != nil {
		return err
	}
	return webp.Encode(w, img, options)
}
