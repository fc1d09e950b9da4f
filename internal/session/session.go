package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/imageverse/internal/archive"
	"github.com/dunamismax/imageverse/internal/blob"
	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/id"
)

var (
	ErrBatchUnsupported = errors.New("tool processes one image at a time")
	ErrItemNotFound     = errors.New("item not found")
	ErrRunInProgress    = errors.New("session is already running")
)

type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusDone       ItemStatus = "done"
	StatusFailed     ItemStatus = "failed"
)

// Item is a snapshot of one entry in the session.
type Item struct {
	ID       string
	Name     string
	MIMEType string
	Size     int
	Status   ItemStatus
	Artifact *domain.OutputArtifact
	Source   domain.SourceImage
	Err      error
}

type item struct {
	Item
	handle  blob.Handle
	held    bool
	removed bool
}

// Summary counts what one Run did.
type Summary struct {
	Processed int
	Failed    int
	Skipped   int
}

// Bundle is a finished "download all" archive.
type Bundle struct {
	Name string
	archive.Result
}

type Option func(*Session)

// WithConcurrency sets how many items run at once. 1 processes the list
// strictly in order.
func WithConcurrency(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithStore(store blob.Store) Option {
	return func(s *Session) { s.store = store }
}

func WithArchiver(a *archive.Archiver) Option {
	return func(s *Session) { s.archiver = a }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithObserver is called after every item finishes, successfully or not.
func WithObserver(fn func(Item)) Option {
	return func(s *Session) { s.observer = fn }
}

// Session holds the images of one tool run. Source bytes live in the blob
// store until the item is done, removed or the session is reset.
type Session struct {
	tool        Tool
	runner      ItemRunner
	store       blob.Store
	archiver    *archive.Archiver
	logger      *zap.Logger
	now         func() time.Time
	observer    func(Item)
	concurrency int

	mu      sync.Mutex
	items   []*item
	running bool
}

func New(tool Tool, runner ItemRunner, opts ...Option) *Session {
	s := &Session{tool: tool, runner: runner, concurrency: 1, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.store == nil {
		s.store = blob.NewMemoryStore()
	}
	if s.archiver == nil {
		s.archiver = archive.NewArchiver(s.logger)
	}
	return s
}

func (s *Session) Tool() Tool {
	return s.tool
}

// Add queues a file. Tools without batch support hold a single item; when two
// adds race for that slot the later one fails and its stored bytes are
// released.
func (s *Session) Add(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	single := !s.tool.Capabilities().SupportsBatch
	s.mu.Lock()
	full := single && s.liveLocked() > 0
	s.mu.Unlock()
	if full {
		return "", ErrBatchUnsupported
	}

	h, err := s.store.Put(ctx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	it := &item{
		Item: Item{
			ID:       id.New(),
			Name:     name,
			MIMEType: mimeType,
			Size:     len(data),
			Status:   StatusPending,
		},
		handle: h,
		held:   true,
	}

	s.mu.Lock()
	if single && s.liveLocked() > 0 {
		s.mu.Unlock()
		if err := s.store.Release(ctx, h); err != nil {
			s.logger.Warn("release rejected upload", zap.String("name", name), zap.Error(err))
		}
		return "", ErrBatchUnsupported
	}
	s.items = append(s.items, it)
	s.mu.Unlock()
	return it.ID, nil
}

func (s *Session) liveLocked() int {
	live := 0
	for _, it := range s.items {
		if !it.removed {
			live++
		}
	}
	return live
}

// AddFailed records an item that never reached the session, such as a file
// that could not be fetched, so it is reported with the others.
func (s *Session) AddFailed(name string, err error) string {
	it := &item{Item: Item{ID: id.New(), Name: name, Status: StatusFailed, Err: err}}
	s.mu.Lock()
	s.items = append(s.items, it)
	s.mu.Unlock()
	return it.ID
}

// Remove drops an item. It is safe while Run is in progress: a pending item is
// skipped on its turn and a processing item's result is discarded.
func (s *Session) Remove(ctx context.Context, itemID string) error {
	s.mu.Lock()
	var target *item
	for _, it := range s.items {
		if it.ID == itemID && !it.removed {
			target = it
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	target.removed = true
	release := target.Status != StatusProcessing && target.held
	if release {
		target.held = false
	}
	s.mu.Unlock()

	if release {
		return s.store.Release(ctx, target.handle)
	}
	return nil
}

// Run processes every pending or previously failed item. A failing item does
// not stop the others. Cancelling ctx stops new items from starting; items
// already running finish.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Summary{}, ErrRunInProgress
	}
	s.running = true
	queue := make([]*item, 0, len(s.items))
	for _, it := range s.items {
		if !it.removed && it.held && (it.Status == StatusPending || it.Status == StatusFailed) {
			queue = append(queue, it)
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var (
		summary   Summary
		summaryMu sync.Mutex
	)
	record := func(status ItemStatus) {
		summaryMu.Lock()
		defer summaryMu.Unlock()
		switch status {
		case StatusDone:
			summary.Processed++
		case StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	if s.concurrency <= 1 {
		for _, it := range queue {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			record(s.process(ctx, it))
		}
		return summary, nil
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, it := range queue {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			record(s.process(ctx, it))
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

// process returns the item's final status, or "" when it was skipped.
func (s *Session) process(ctx context.Context, it *item) ItemStatus {
	s.mu.Lock()
	if it.removed {
		s.mu.Unlock()
		return ""
	}
	it.Status = StatusProcessing
	it.Err = nil
	s.mu.Unlock()

	out, err := s.runItem(ctx, it)

	s.mu.Lock()
	if it.removed {
		release := it.held
		it.held = false
		s.mu.Unlock()
		if release {
			s.releaseQuietly(ctx, it)
		}
		return ""
	}
	status := StatusDone
	if err != nil {
		status = StatusFailed
		it.Err = err
	} else {
		artifact := out.Artifact
		it.Artifact = &artifact
		it.Source = out.Source
		it.Source.Bytes = nil
	}
	it.Status = status
	release := status == StatusDone && it.held
	if release {
		it.held = false
	}
	snapshot := it.Item
	s.mu.Unlock()

	if release {
		s.releaseQuietly(ctx, it)
	}
	if err != nil {
		s.logger.Warn("item failed",
			zap.String("tool", string(s.tool.Kind())),
			zap.String("name", it.Name),
			zap.Error(err),
		)
	}
	if s.observer != nil {
		s.observer(snapshot)
	}
	return status
}

func (s *Session) runItem(ctx context.Context, it *item) (Output, error) {
	data, err := blob.ReadAll(ctx, s.store, it.handle)
	if err != nil {
		return Output{}, err
	}
	return s.runner.Run(ctx, s.tool, Input{Name: it.Name, MIMEType: it.MIMEType, Bytes: data})
}

func (s *Session) releaseQuietly(ctx context.Context, it *item) {
	if err := s.store.Release(context.WithoutCancel(ctx), it.handle); err != nil {
		s.logger.Warn("release blob failed", zap.String("name", it.Name), zap.Error(err))
	}
}

// Items returns every item that has not been removed, in input order.
func (s *Session) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.removed {
			out = append(out, it.Item)
		}
	}
	return out
}

// Artifacts returns the finished outputs in input order.
func (s *Session) Artifacts() []domain.OutputArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutputArtifact, 0, len(s.items))
	for _, it := range s.items {
		if !it.removed && it.Status == StatusDone && it.Artifact != nil {
			out = append(out, *it.Artifact)
		}
	}
	return out
}

// Failures reports the items whose last run failed.
func (s *Session) Failures() []domain.ItemFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ItemFailure
	for _, it := range s.items {
		if !it.removed && it.Status == StatusFailed {
			out = append(out, domain.ItemFailure{Name: it.Name, Error: domain.Message(it.Err)})
		}
	}
	return out
}

// Archive bundles the finished outputs into <prefix>_<ms>.zip with a single
// <prefix>/ folder.
func (s *Session) Archive(ctx context.Context) (Bundle, error) {
	artifacts := s.Artifacts()
	entries := make([]archive.Entry, 0, len(artifacts))
	for _, a := range artifacts {
		entries = append(entries, archive.ArtifactEntry(a))
	}
	prefix := s.tool.ArchivePrefix()
	res, err := s.archiver.Archive(ctx, entries, prefix)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Name: archive.ArchiveName(prefix, s.now()), Result: res}, nil
}

// Reset releases every held blob and empties the session.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	items := s.items
	s.items = nil
	s.mu.Unlock()

	var errs []error
	for _, it := range items {
		if it.held {
			it.held = false
			if err := s.store.Release(ctx, it.handle); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
