// Package encode serializes bitmaps into output artifacts.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"sort"

	"golang.org/x/image/bmp"

	"github.com/dunamismax/imageverse/internal/domain"
)

// Codec writes img in one format. quality is in [0, 1]; lossless codecs
// ignore it.
type Codec func(w io.Writer, img image.Image, quality float64) error

type Encoder struct {
	codecs map[domain.Format]Codec
}

// NewEncoder returns an encoder with every codec this build supports.
func NewEncoder() *Encoder {
	e := &Encoder{codecs: map[domain.Format]Codec{
		domain.FormatPNG:  encodePNG,
		domain.FormatJPEG: encodeJPEG,
		domain.FormatGIF:  encodeGIF,
		domain.FormatBMP:  encodeBMP,
	}}
	registerPlatformCodecs(e)
	return e
}

func (e *Encoder) Register(format domain.Format, codec Codec) {
	e.codecs[format] = codec
}

func (e *Encoder) Supports(format domain.Format) bool {
	_, ok := e.codecs[format]
	return ok
}

func (e *Encoder) Formats() []domain.Format {
	out := make([]domain.Format, 0, len(e.codecs))
	for f := range e.codecs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode serializes img and names the result <verb>_<basename>.<ext>.
// quality 0 selects domain.DefaultQuality.
func (e *Encoder) Encode(img image.Image, format domain.Format, quality float64, displayName, verb string) (domain.OutputArtifact, error) {
	data, err := e.EncodeBytes(img, format, quality)
	if err != nil {
		return domain.OutputArtifact{}, err
	}
	b := img.Bounds()
	return domain.OutputArtifact{
		Bytes:             data,
		MIMEType:          format.MIMEType(),
		Format:            format,
		Width:             b.Dx(),
		Height:            b.Dy(),
		ByteSize:          len(data),
		SuggestedFilename: domain.SuggestedFilename(verb, displayName, format),
	}, nil
}

func (e *Encoder) EncodeBytes(img image.Image, format domain.Format, quality float64) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, domain.EncodeError("bitmap is empty", nil)
	}
	if quality == 0 {
		quality = domain.DefaultQuality
	}
	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return nil, domain.EncodeError(fmt.Sprintf("quality %.2f is outside [0, 1]", quality), nil)
	}
	codec, ok := e.codecs[format]
	if !ok {
		return nil, domain.EncodeError(fmt.Sprintf("no %s encoder in this build", format), nil)
	}

	var buf bytes.Buffer
	if err := codec(&buf, img, quality); err != nil {
		return nil, domain.EncodeError(fmt.Sprintf("encode %s", format), err)
	}
	return buf.Bytes(), nil
}

// JPEGQuality maps [0, 1] onto libjpeg's 1..100 scale.
func JPEGQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

func encodePNG(w io.Writer, img image.Image, _ float64) error {
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	return encoder.Encode(w, img)
}

func encodeJPEG(w io.Writer, img image.Image, quality float64) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality(quality)})
}

func encodeGIF(w io.Writer, img image.Image, _ float64) error {
	return gif.Encode(w, img, &gif.Options{NumColors: 256})
}

func encodeBMP(w io.Writer, img image.Image, _ float64) error {
	return bmp.Encode(w, img)
}
