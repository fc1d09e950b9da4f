package session

import (
	"context"
	"fmt"
	"image"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/encode"
	"github.com/dunamismax/imageverse/internal/geometry"
	"github.com/dunamismax/imageverse/internal/raster"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/transform"
)

// Input is one file handed to a tool.
type Input struct {
	Name     string
	MIMEType string
	Bytes    []byte
}

// Output is the artifact plus what was learned about the source while
// producing it. Remote tools leave the source dimensions at zero.
type Output struct {
	Artifact domain.OutputArtifact
	Source   domain.SourceImage
}

// ItemRunner processes a single input for a tool.
type ItemRunner interface {
	Run(ctx context.Context, tool Tool, in Input) (Output, error)
}

// Enhancer is the remote gateway.
type Enhancer interface {
	Enhance(ctx context.Context, src domain.SourceImage, kind remote.Kind) (domain.OutputArtifact, error)
}

// Runner executes local tools in-process (load, resolve, transform, encode)
// and forwards remote tools to the Enhancer.
type Runner struct {
	loader     *raster.Loader
	engine     *transform.Engine
	encoder    *encode.Encoder
	compressor *encode.Compressor
	enhancer   Enhancer
	logger     *zap.Logger
	tracer     trace.Tracer

	compressMaxSizeMB float64
	maxSide           int
}

type RunnerOption func(*Runner)

func WithEngine(engine *transform.Engine) RunnerOption {
	return func(r *Runner) { r.engine = engine }
}

func WithEncoder(encoder *encode.Encoder) RunnerOption {
	return func(r *Runner) { r.encoder = encoder }
}

func WithEnhancer(enhancer Enhancer) RunnerOption {
	return func(r *Runner) { r.enhancer = enhancer }
}

// WithCompressMaxSizeMB sets the size target used when a Compress tool leaves
// MaxSizeMB at zero.
func WithCompressMaxSizeMB(mb float64) RunnerOption {
	return func(r *Runner) { r.compressMaxSizeMB = mb }
}

// WithMaxSide limits the pixel size of decoded inputs and of the default
// engine's canvases.
func WithMaxSide(n int) RunnerOption {
	return func(r *Runner) { r.maxSide = n }
}

func NewRunner(logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{logger: logger, tracer: otel.Tracer("imageverse/session")}
	for _, opt := range opts {
		opt(r)
	}
	r.loader = raster.NewLoader(logger, raster.WithMaxSide(r.maxSide))
	if r.engine == nil {
		r.engine = transform.NewEngine(transform.DefaultSurface(r.maxSide), logger)
	}
	if r.encoder == nil {
		r.encoder = encode.NewEncoder()
	}
	r.compressor = encode.NewCompressor(r.encoder, logger)
	return r
}

func (r *Runner) Run(ctx context.Context, tool Tool, in Input) (Output, error) {
	ctx, span := r.tracer.Start(ctx, "session.run_item", trace.WithAttributes(
		attribute.String("tool", string(tool.Kind())),
		attribute.String("name", in.Name),
		attribute.Int("bytes", len(in.Bytes)),
	))
	defer span.End()

	out, err := r.run(ctx, tool, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Message(err))
		return Output{}, err
	}
	span.SetAttributes(
		attribute.Int("output_bytes", out.Artifact.ByteSize),
		attribute.String("output_format", string(out.Artifact.Format)),
	)
	return out, nil
}

func (r *Runner) run(ctx context.Context, tool Tool, in Input) (Output, error) {
	switch tool.(type) {
	case Upscale:
		return r.enhance(ctx, in, remote.KindUpscale)
	case RemoveBackground:
		return r.enhance(ctx, in, remote.KindRemoveBackground)
	}

	src, img, err := r.loader.Load(ctx, in.Bytes, in.MIMEType, in.Name)
	if err != nil {
		return Output{}, err
	}

	var artifact domain.OutputArtifact
	switch t := tool.(type) {
	case Compress:
		maxSize := t.MaxSizeMB
		if maxSize <= 0 {
			maxSize = r.compressMaxSizeMB
		}
		artifact, err = r.compressor.Compress(ctx, src, img, encode.CompressOptions{
			MaxSizeMB:        maxSize,
			MaxWidthOrHeight: t.MaxWidthOrHeight,
			InitialQuality:   t.InitialQuality,
			Format:           t.Format,
		})
	case Convert:
		artifact, err = r.transform(ctx, src, img, domain.TransformRequest{Format: t.Format, Quality: t.Quality}, domain.VerbConverted)
	case Crop:
		var req domain.TransformRequest
		req, err = cropRequest(t, src)
		if err == nil {
			req.Format = r.outputFormat(t.Format, src, tool)
			artifact, err = r.transform(ctx, src, img, req, domain.VerbCropped)
		}
	case Resize:
		var w, h int
		w, h, err = resizeTarget(t, src)
		if err == nil {
			req := domain.TransformRequest{TargetWidth: w, TargetHeight: h, Format: r.outputFormat(t.Format, src, tool), Quality: t.Quality}
			artifact, err = r.transform(ctx, src, img, req, domain.VerbResized)
		}
	case Flip:
		req := domain.TransformRequest{
			FlipHorizontal: t.Horizontal,
			FlipVertical:   t.Vertical,
			Format:         r.outputFormat(t.Format, src, tool),
			Quality:        t.Quality,
		}
		artifact, err = r.transform(ctx, src, img, req, domain.FlipVerb(t.Horizontal, t.Vertical))
	default:
		return Output{}, fmt.Errorf("unknown tool %T", tool)
	}
	if err != nil {
		return Output{}, err
	}

	r.logger.Debug("item processed",
		zap.String("tool", string(tool.Kind())),
		zap.String("name", in.Name),
		zap.Int("source_bytes", len(in.Bytes)),
		zap.Int("bytes", artifact.ByteSize),
	)
	return Output{Artifact: artifact, Source: src}, nil
}

func (r *Runner) transform(ctx context.Context, src domain.SourceImage, img image.Image, req domain.TransformRequest, verb string) (domain.OutputArtifact, error) {
	req.Source = src
	out, err := r.engine.Apply(ctx, req, img)
	if err != nil {
		return domain.OutputArtifact{}, err
	}
	return r.encoder.Encode(out, req.Format, req.Quality, src.DisplayName, verb)
}

func (r *Runner) enhance(ctx context.Context, in Input, kind remote.Kind) (Output, error) {
	if r.enhancer == nil {
		return Output{}, domain.MissingCredentialError(string(kind))
	}
	if len(in.Bytes) == 0 {
		return Output{}, domain.DecodeError("file is empty", nil)
	}
	mimeType := raster.DetectMIME(in.Bytes, in.MIMEType, in.Name)
	if !raster.AcceptsFile(in.Name, mimeType) {
		return Output{}, domain.DecodeError(fmt.Sprintf("unsupported file type %q", mimeType), nil)
	}
	src := domain.SourceImage{Bytes: in.Bytes, MIMEType: mimeType, DisplayName: in.Name}
	artifact, err := r.enhancer.Enhance(ctx, src, kind)
	if err != nil {
		return Output{}, err
	}
	return Output{Artifact: artifact, Source: src}, nil
}

// outputFormat keeps the source format when the tool can produce it and this
// build can encode it, and falls back to PNG.
func (r *Runner) outputFormat(requested domain.Format, src domain.SourceImage, tool Tool) domain.Format {
	if requested != "" {
		return requested
	}
	if f, ok := domain.FormatFromMIME(src.MIMEType); ok && tool.Capabilities().Accepts(f) && r.encoder.Supports(f) {
		return f
	}
	return domain.FormatPNG
}

func cropRequest(t Crop, src domain.SourceImage) (domain.TransformRequest, error) {
	req := domain.TransformRequest{Quality: t.Quality, Rotation: domain.NormalizeRotation(t.Rotation)}
	if t.Region != nil {
		region := *t.Region
		req.Crop = &region
		return req, nil
	}
	if t.Viewport == nil {
		return req, domain.GeometryError("crop needs a region or a viewport")
	}

	scale := 1.0
	if t.PreviewWidth > 0 {
		var err error
		if scale, err = geometry.PreviewScale(t.PreviewWidth, src.Width); err != nil {
			return req, err
		}
	}
	region, err := geometry.Resolve(*t.Viewport, src, scale)
	if err != nil {
		return req, err
	}
	req.Crop = &region
	req.Rotation = domain.NormalizeRotation(t.Viewport.Rotation)
	return req, nil
}

func resizeTarget(t Resize, src domain.SourceImage) (int, int, error) {
	if !t.Preview {
		return geometry.FitResize(src.Width, src.Height, t.Width, t.Height, t.KeepAspect)
	}
	if src.Width <= 0 || src.Height <= 0 {
		return 0, 0, domain.GeometryError("source image has no pixels")
	}
	w, h := float64(t.Width), float64(t.Height)
	// a missing side follows the source ratio
	if w <= 0 {
		w = h * float64(src.Width) / float64(src.Height)
	}
	if h <= 0 {
		h = w * float64(src.Height) / float64(src.Width)
	}
	return geometry.ResizeFromPreview(w, h, src.Width, src.Height, geometry.MaxResizePreview)
}
