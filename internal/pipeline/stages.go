package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/imageverse/internal/session"
)

const (
	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"

	// UploadsPrefix holds the sources the API stores for async batches.
	UploadsPrefix = "uploads"
	// ArchivesPrefix holds the archives the worker writes.
	ArchivesPrefix = "archives"
)

// ObjectStorage is the part of storage.Client the object-store stages use.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreFetcher reads sources the API uploaded to the bucket.
type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, src Source) ([]byte, error) {
	if err := requireSourceType(req, SourceTypeObjectStore); err != nil {
		return nil, err
	}
	if f.Storage == nil {
		return nil, errors.New("object storage is not configured")
	}
	return f.Storage.ReadObject(ctx, src.Key)
}

// ObjectStoreEmitter writes the archive next to the batch's other objects.
type ObjectStoreEmitter struct {
	Storage ObjectStorage
	// Prefix defaults to ArchivesPrefix.
	Prefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, name string, data []byte) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("object storage is not configured")
	}
	name = archiveFileName(name)
	key := ArchiveKey(e.Prefix, req.JobID, name)
	if err := e.Storage.WriteObject(ctx, key, data, "application/zip"); err != nil {
		return Output{}, err
	}
	return Output{Name: name, Path: key, Bytes: len(data)}, nil
}

// LocalFileFetcher reads sources whose key is a path on disk.
type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request, src Source) ([]byte, error) {
	if err := requireSourceType(req, SourceTypeLocalFile); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src.Key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.Key, err)
	}
	return data, nil
}

// NewLocalProcessor reads sources from disk and writes the archive into dir.
func NewLocalProcessor(dir string, runner session.ItemRunner, opts ...Option) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{Dir: dir}, runner, opts...)
}

// LocalFileEmitter writes the archive into Dir.
type LocalFileEmitter struct {
	Dir string
}

func (e LocalFileEmitter) Emit(_ context.Context, _ Request, name string, data []byte) (Output, error) {
	if strings.TrimSpace(e.Dir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create %s: %w", e.Dir, err)
	}
	name = archiveFileName(name)
	full := filepath.Join(e.Dir, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write %s: %w", full, err)
	}
	return Output{Name: name, Path: full, Bytes: len(data)}, nil
}

func requireSourceType(req Request, want string) error {
	if !strings.EqualFold(req.SourceType, want) {
		return fmt.Errorf("%w: %q", ErrUnsupportedSourceType, req.SourceType)
	}
	return nil
}

// SourcePrefix is the folder holding every uploaded source of a batch.
func SourcePrefix(jobID string) string {
	return path.Join(UploadsPrefix, safeToken(jobID)) + "/"
}

// SourceKey is where the API uploads the i-th source of a batch.
func SourceKey(jobID string, index int) string {
	return SourcePrefix(jobID) + fmt.Sprintf("source-%03d", index)
}

func ArchiveKey(prefix, jobID, name string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = ArchivesPrefix
	}
	return path.Join(prefix, safeToken(jobID), name)
}

// archiveFileName keeps a safe base name and the .zip extension.
func archiveFileName(name string) string {
	base := strings.TrimSuffix(filepath.Base(strings.TrimSpace(name)), ".zip")
	return safeToken(base) + ".zip"
}

// safeToken replaces anything outside [A-Za-z0-9_-] so ids and names cannot
// escape their folder.
func safeToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, in)
}
