// Package archive bundles output artifacts into a single zip.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
)

const (
	// DefaultLevel is the deflate level for every entry.
	DefaultLevel  = 6
	DefaultFolder = "images"
)

// zipEpoch is the earliest timestamp the zip format stores.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one file to archive. Open is called once; a failing Open or read
// skips the entry.
type Entry struct {
	Name   string
	Format domain.Format
	Open   func(ctx context.Context) (io.ReadCloser, error)
}

// ArtifactEntry wraps an in-memory artifact.
func ArtifactEntry(a domain.OutputArtifact) Entry {
	data := a.Bytes
	return Entry{
		Name:   a.SuggestedFilename,
		Format: a.Format,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Result struct {
	Bytes   []byte
	Entries []string
	Skipped []Skipped
}

type Option func(*Archiver)

// WithModTime sets the timestamp written on every entry.
func WithModTime(t time.Time) Option {
	return func(a *Archiver) { a.modTime = t }
}

func WithLevel(level int) Option {
	return func(a *Archiver) { a.level = level }
}

type Archiver struct {
	logger  *zap.Logger
	modTime time.Time
	level   int
}

func NewArchiver(logger *zap.Logger, opts ...Option) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{logger: logger, modTime: zipEpoch, level: DefaultLevel}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive writes every readable entry under folder/ and reports the ones it
// had to skip. It fails when entries is empty or nothing could be read.
func (a *Archiver) Archive(ctx context.Context, entries []Entry, folder string) (Result, error) {
	if len(entries) == 0 {
		return Result{}, domain.ArchiveError("no images to archive")
	}
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = DefaultFolder
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	level := a.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	result := Result{}
	used := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		label := entry.Name
		if label == "" {
			label = fmt.Sprintf("entry %d", i+1)
		}
		data, err := readEntry(ctx, entry)
		if err != nil {
			a.logger.Warn("archive entry skipped", zap.String("name", label), zap.Error(err))
			result.Skipped = append(result.Skipped, Skipped{Name: label, Reason: err.Error()})
			continue
		}

		name := uniqueName(used, path.Join(folder, EntryName(entry.Name, entry.Format)))
		header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: a.modTime}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return Result{}, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return Result{}, fmt.Errorf("write zip entry %s: %w", name, err)
		}
		result.Entries = append(result.Entries, name)
	}

	if len(result.Entries) == 0 {
		return Result{}, domain.ArchiveError(fmt.Sprintf("none of the %d images could be read", len(entries)))
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("finish zip: %w", err)
	}

	result.Bytes = buf.Bytes()
	a.logger.Info("archive built",
		zap.String("folder", folder),
		zap.Int("entries", len(result.Entries)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("bytes", len(result.Bytes)),
	)
	return result, nil
}

func readEntry(ctx context.Context, entry Entry) ([]byte, error) {
	if entry.Open == nil {
		return nil, fmt.Errorf("entry has no data")
	}
	rc, err := entry.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// EntryName replaces the extension of name with the one of format; jpeg
// becomes .jpg.
func EntryName(name string, format domain.Format) string {
	base := domain.BaseName(name)
	if !format.Valid() {
		if ext := path.Ext(strings.TrimSpace(name)); ext != "" {
			return base + strings.ToLower(ext)
		}
		return base
	}
	return base + "." + format.Extension()
}

func uniqueName(used map[string]struct{}, name string) string {
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
}

// ArchiveName is <prefix>_<unix millis>.zip.
func ArchiveName(prefix string, now time.Time) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "images"
	}
	return fmt.Sprintf("%s_%d.zip", prefix, now.UnixMilli())
}
