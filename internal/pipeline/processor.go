package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/archive"
	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/session"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrNoSources             = errors.New("batch must contain at least one source")
)

// Source is one input file of a batch.
type Source struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
}

type Request struct {
	JobID      string
	SourceType string
	Sources    []Source
	Options    domain.ToolOptions
}

// Output is where the finished archive was written.
type Output struct {
	Name    string            `json:"name"`
	Path    string            `json:"path"`
	Bytes   int               `json:"bytes"`
	Entries []string          `json:"entries"`
	Skipped []archive.Skipped `json:"skipped,omitempty"`
}

type Result struct {
	Archive         Output
	Failed          []domain.ItemFailure
	SourceBytes     int
	OutputBytes     int
	PixelsProcessed int64
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, src Source) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, name string, data []byte) (Output, error)
}

// Processor fetches every source of a batch, runs them through one session
// and emits the resulting archive.
type Processor struct {
	fetcher     Fetcher
	emitter     Emitter
	runner      session.ItemRunner
	archiver    *archive.Archiver
	concurrency int
	logger      *zap.Logger
}

type Option func(*Processor)

func WithConcurrency(n int) Option {
	return func(p *Processor) { p.concurrency = n }
}

func WithArchiver(a *archive.Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func NewProcessor(fetcher Fetcher, emitter Emitter, runner session.ItemRunner, opts ...Option) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	p := &Processor{fetcher: fetcher, emitter: emitter, runner: runner, concurrency: 1}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.archiver == nil {
		p.archiver = archive.NewArchiver(p.logger)
	}
	return p, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Sources) == 0 {
		return Result{}, ErrNoSources
	}

	tool, err := session.ToolFromOptions(req.Options)
	if err != nil {
		return Result{}, fmt.Errorf("tool options: %w", err)
	}
	if len(req.Sources) > 1 && !tool.Capabilities().SupportsBatch {
		return Result{}, fmt.Errorf("%s: %w", tool.Kind(), session.ErrBatchUnsupported)
	}

	sess := session.New(tool, p.runner,
		session.WithConcurrency(p.concurrency),
		session.WithArchiver(p.archiver),
		session.WithLogger(p.logger),
	)
	defer func() {
		if err := sess.Reset(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("session reset failed", zap.String("job_id", req.JobID), zap.Error(err))
		}
	}()

	for _, src := range req.Sources {
		name := src.Name
		if strings.TrimSpace(name) == "" {
			name = filepath.Base(src.Key)
		}
		data, err := p.fetcher.Fetch(ctx, req, src)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			p.logger.Warn("fetch stage failed", zap.String("job_id", req.JobID), zap.String("key", src.Key), zap.Error(err))
			sess.AddFailed(name, fmt.Errorf("fetch stage: %w", err))
			continue
		}
		if _, err := sess.Add(ctx, name, src.MIMEType, data); err != nil {
			return Result{}, fmt.Errorf("add %s: %w", name, err)
		}
	}

	if _, err := sess.Run(ctx); err != nil {
		return Result{}, fmt.Errorf("run stage: %w", err)
	}

	out := Result{Failed: sess.Failures()}
	for _, it := range sess.Items() {
		if it.Status != session.StatusDone || it.Artifact == nil {
			continue
		}
		out.SourceBytes += it.Size
		out.OutputBytes += it.Artifact.ByteSize
		out.PixelsProcessed += int64(it.Source.Width) * int64(it.Source.Height)
	}

	bundle, err := sess.Archive(ctx)
	if err != nil {
		return out, fmt.Errorf("archive stage: %w", err)
	}

	written, err := p.emitter.Emit(ctx, req, bundle.Name, bundle.Bytes)
	if err != nil {
		return out, fmt.Errorf("emit stage: %w", err)
	}
	written.Entries = bundle.Entries
	written.Skipped = bundle.Skipped
	out.Archive = written

	p.logger.Info("batch processed",
		zap.String("job_id", req.JobID),
		zap.String("tool", string(tool.Kind())),
		zap.Int("entries", len(bundle.Entries)),
		zap.Int("failed", len(out.Failed)),
		zap.Int("skipped", len(bundle.Skipped)),
	)
	return out, nil
}
