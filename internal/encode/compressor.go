package encode

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
)

const (
	DefaultMaxSizeMB        = 1.0
	DefaultMaxWidthOrHeight = 1920
	DefaultInitialQuality   = 0.8
	DefaultMaxIterations    = 10

	minQuality = 0.1
	stepFactor = 0.95
)

type CompressOptions struct {
	MaxSizeMB        float64
	MaxWidthOrHeight int
	InitialQuality   float64
	// Format defaults to the source format, or JPEG when this build cannot
	// encode the source format.
	Format        domain.Format
	MaxIterations int
	// OnProgress receives a percentage in [0, 100].
	OnProgress func(percent int)
}

func (o CompressOptions) withDefaults() CompressOptions {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = DefaultMaxSizeMB
	}
	if o.MaxWidthOrHeight <= 0 {
		o.MaxWidthOrHeight = DefaultMaxWidthOrHeight
	}
	if o.InitialQuality <= 0 {
		o.InitialQuality = DefaultInitialQuality
	}
	if o.InitialQuality < minQuality {
		o.InitialQuality = minQuality
	}
	if o.InitialQuality > 1 {
		o.InitialQuality = 1
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// Compressor searches for an encoding under a byte budget by lowering
// quality and dimensions step by step.
type Compressor struct {
	encoder *Encoder
	logger  *zap.Logger
}

func NewCompressor(encoder *Encoder, logger *zap.Logger) *Compressor {
	if encoder == nil {
		encoder = NewEncoder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{encoder: encoder, logger: logger}
}

// Compress caps the longest side at MaxWidthOrHeight, encodes at
// InitialQuality and then shrinks quality and size by 5% per iteration until
// the output fits MaxSizeMB or MaxIterations is reached. The original bytes
// are returned unchanged when they are already smaller, no downscale was
// needed and the format is unchanged.
func (c *Compressor) Compress(ctx context.Context, src domain.SourceImage, img image.Image, opts CompressOptions) (domain.OutputArtifact, error) {
	opts = opts.withDefaults()
	if img == nil || img.Bounds().Empty() {
		return domain.OutputArtifact{}, domain.EncodeError("bitmap is empty", nil)
	}

	format := opts.Format
	if format == "" {
		format, _ = domain.FormatFromMIME(src.MIMEType)
	}
	if !c.encoder.Supports(format) {
		format = domain.FormatJPEG
	}

	maxBytes := int(opts.MaxSizeMB * 1024 * 1024)
	progress := func(p int) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}
	progress(0)

	base := img
	resized := false
	if b := img.Bounds(); max(b.Dx(), b.Dy()) > opts.MaxWidthOrHeight {
		base = imaging.Fit(img, opts.MaxWidthOrHeight, opts.MaxWidthOrHeight, imaging.Lanczos)
		resized = true
	}

	quality := opts.InitialQuality
	current := base
	data, err := c.encoder.EncodeBytes(current, format, quality)
	if err != nil {
		return domain.OutputArtifact{}, err
	}

	sourceFormat, _ := domain.FormatFromMIME(src.MIMEType)
	if !resized && sourceFormat == format && len(src.Bytes) > 0 && len(src.Bytes) <= len(data) && len(src.Bytes) <= maxBytes {
		progress(100)
		c.logger.Debug("compression kept original", zap.String("name", src.DisplayName), zap.Int("bytes", len(src.Bytes)))
		return domain.OutputArtifact{
			Bytes:             src.Bytes,
			MIMEType:          format.MIMEType(),
			Format:            format,
			Width:             src.Width,
			Height:            src.Height,
			ByteSize:          len(src.Bytes),
			SuggestedFilename: domain.SuggestedFilename(domain.VerbCompressed, src.DisplayName, format),
		}, nil
	}

	b := base.Bounds()
	width, height := float64(b.Dx()), float64(b.Dy())
	iterations := 0
	for len(data) > maxBytes && iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return domain.OutputArtifact{}, err
		}
		iterations++
		progress(iterations * 100 / (opts.MaxIterations + 1))

		quality = math.Max(minQuality, quality*stepFactor)
		width *= stepFactor
		height *= stepFactor
		current = imaging.Resize(base, max(1, int(math.Round(width))), max(1, int(math.Round(height))), imaging.Lanczos)

		data, err = c.encoder.EncodeBytes(current, format, quality)
		if err != nil {
			return domain.OutputArtifact{}, err
		}
	}
	progress(100)

	if len(data) > maxBytes {
		c.logger.Warn("compression target not reached",
			zap.String("name", src.DisplayName),
			zap.Int("bytes", len(data)),
			zap.Int("target_bytes", maxBytes),
		)
	}

	cb := current.Bounds()
	c.logger.Debug("image compressed",
		zap.String("name", src.DisplayName),
		zap.Int("source_bytes", len(src.Bytes)),
		zap.Int("bytes", len(data)),
		zap.Int("iterations", iterations),
		zap.Float64("quality", quality),
	)
	return domain.OutputArtifact{
		Bytes:             data,
		MIMEType:          format.MIMEType(),
		Format:            format,
		Width:             cb.Dx(),
		Height:            cb.Dy(),
		ByteSize:          len(data),
		SuggestedFilename: domain.SuggestedFilename(domain.VerbCompressed, src.DisplayName, format),
	}, nil
}
