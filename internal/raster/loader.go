// Package raster decodes input files into bitmaps.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/transform"
)

type Loader struct {
	logger  *zap.Logger
	maxSide int
}

type LoaderOption func(*Loader)

// WithMaxSide rejects images wider or taller than n pixels before their
// pixels are decoded. n <= 0 keeps the default, transform.MaxCanvasSide.
func WithMaxSide(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxSide = n
		}
	}
}

func NewLoader(logger *zap.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{logger: logger, maxSide: transform.MaxCanvasSide}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load decodes data into a bitmap. mimeType may be empty or generic, in which
// case the real type is sniffed from the bytes. HEIC input is converted to PNG
// before decoding so the returned SourceImage never carries HEIC bytes.
func (l *Loader) Load(ctx context.Context, data []byte, mimeType, name string) (domain.SourceImage, image.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.SourceImage{}, nil, err
	}
	if len(data) == 0 {
		return domain.SourceImage{}, nil, domain.DecodeError("file is empty", nil)
	}

	mimeType = DetectMIME(data, mimeType, name)
	if !AcceptsFile(name, mimeType) {
		return domain.SourceImage{}, nil, domain.DecodeError(fmt.Sprintf("unsupported file type %q", mimeType), nil)
	}

	if format, ok := domain.FormatFromMIME(mimeType); ok && format == domain.FormatHEIC {
		converted, err := heicToPNG(data)
		if err != nil {
			return domain.SourceImage{}, nil, domain.DecodeError("could not decode heic image", err)
		}
		l.logger.Debug("heic converted", zap.String("name", name), zap.Int("bytes", len(converted)))
		data = converted
		mimeType = domain.FormatPNG.MIMEType()
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.SourceImage{}, nil, domain.DecodeError("could not decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return domain.SourceImage{}, nil, domain.DecodeError("image has no pixels", nil)
	}
	if cfg.Width > l.maxSide || cfg.Height > l.maxSide {
		return domain.SourceImage{}, nil, domain.DecodeError(
			fmt.Sprintf("image %dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, l.maxSide), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.SourceImage{}, nil, domain.DecodeError("could not decode image", err)
	}

	orientation := 0
	if mimeType == domain.FormatJPEG.MIMEType() {
		orientation = readOrientation(data)
		img = applyOrientation(img, orientation)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return domain.SourceImage{}, nil, domain.DecodeError("image has no pixels", nil)
	}

	return domain.SourceImage{
		Bytes:       data,
		MIMEType:    mimeType,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		DisplayName: name,
		Orientation: orientation,
	}, img, nil
}

// LoadFile reads and decodes a file from disk.
func (l *Loader) LoadFile(ctx context.Context, path string) (domain.SourceImage, image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SourceImage{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return l.Load(ctx, data, "", filepath.Base(path))
}

// DetectMIME prefers the type sniffed from the bytes when it is an image
// type, then the declared type, then the heic/heif file extension.
func DetectMIME(data []byte, declared, name string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}

	if len(data) > 0 {
		detected := mimetype.Detect(data).String()
		if strings.HasPrefix(detected, "image/") {
			if f, ok := domain.FormatFromMIME(detected); ok {
				return f.MIMEType()
			}
			return detected
		}
	}

	if declared != "" && declared != "application/octet-stream" {
		if f, ok := domain.FormatFromMIME(declared); ok {
			return f.MIMEType()
		}
		return declared
	}
	if isHEICName(name) {
		return domain.FormatHEIC.MIMEType()
	}
	return declared
}

// AcceptsFile is the input filter: any image/* type, plus .heic/.heif names
// whose type is missing.
func AcceptsFile(name, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(mimeType, "image/") {
		return true
	}
	return isHEICName(name)
}

func isHEICName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".heic", ".heif":
		return true
	default:
		return false
	}
}
