package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/domain"
)

func artifact(name string, format domain.Format, payload string) domain.OutputArtifact {
	return domain.OutputArtifact{
		Bytes:             []byte(payload),
		MIMEType:          format.MIMEType(),
		Format:            format,
		ByteSize:          len(payload),
		SuggestedFilename: name,
	}
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		assert.Equal(t, zip.Deflate, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func TestArchiveContainsEveryArtifact(t *testing.T) {
	entries := []Entry{
		ArtifactEntry(artifact("compressed_a.jpg", domain.FormatJPEG, "aaa")),
		ArtifactEntry(artifact("compressed_b.png", domain.FormatPNG, "bbb")),
		ArtifactEntry(artifact("converted_c.jpeg", domain.FormatJPEG, "ccc")),
	}

	res, err := NewArchiver(nil).Archive(context.Background(), entries, "compressed_images")
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	files := readZip(t, res.Bytes)
	assert.Equal(t, map[string]string{
		"compressed_images/compressed_a.jpg": "aaa",
		"compressed_images/compressed_b.png": "bbb",
		"compressed_images/converted_c.jpg":  "ccc",
	}, files)
	assert.Len(t, res.Entries, 3)
}

func TestArchiveDeduplicatesNames(t *testing.T) {
	entries := []Entry{
		ArtifactEntry(artifact("photo.jpg", domain.FormatJPEG, "1")),
		ArtifactEntry(artifact("photo.jpeg", domain.FormatJPEG, "2")),
		ArtifactEntry(artifact("photo.png", domain.FormatJPEG, "3")),
	}
	res, err := NewArchiver(nil).Archive(context.Background(), entries, "out")
	require.NoError(t, err)
	assert.Equal(t, []string{"out/photo.jpg", "out/photo_2.jpg", "out/photo_3.jpg"}, res.Entries)
	assert.Len(t, readZip(t, res.Bytes), 3)
}

func TestArchiveSkipsUnreadableEntries(t *testing.T) {
	broken := Entry{
		Name:   "broken.png",
		Format: domain.FormatPNG,
		Open: func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("blob released")
		},
	}
	entries := []Entry{
		ArtifactEntry(artifact("a.png", domain.FormatPNG, "a")),
		broken,
		ArtifactEntry(artifact("c.png", domain.FormatPNG, "c")),
	}

	res, err := NewArchiver(nil).Archive(context.Background(), entries, "")
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "broken.png", res.Skipped[0].Name)
	assert.Contains(t, res.Skipped[0].Reason, "blob released")
	assert.Equal(t, []string{"images/a.png", "images/c.png"}, res.Entries)
}

func TestArchiveFailsWithoutValidEntries(t *testing.T) {
	_, err := NewArchiver(nil).Archive(context.Background(), nil, "x")
	require.ErrorIs(t, err, domain.ErrArchive)

	_, err = NewArchiver(nil).Archive(context.Background(), []Entry{{Name: "ghost.png"}}, "x")
	require.ErrorIs(t, err, domain.ErrArchive)
}

func TestArchiveIsDeterministic(t *testing.T) {
	entries := []Entry{
		ArtifactEntry(artifact("a.png", domain.FormatPNG, "same bytes")),
		ArtifactEntry(artifact("b.webp", domain.FormatWEBP, "other bytes")),
	}
	first, err := NewArchiver(nil).Archive(context.Background(), entries, "f")
	require.NoError(t, err)
	second, err := NewArchiver(nil).Archive(context.Background(), entries, "f")
	require.NoError(t, err)
	assert.Equal(t, first.Bytes, second.Bytes)
}

func TestEntryName(t *testing.T) {
	assert.Equal(t, "flipped_h_cat.jpg", EntryName("flipped_h_cat.jpeg", domain.FormatJPEG))
	assert.Equal(t, "no-bg_cat.png", EntryName("dir/no-bg_cat.png", domain.FormatPNG))
	assert.Equal(t, "image.webp", EntryName("", domain.FormatWEBP))
	assert.Equal(t, "raw.tiff", EntryName("raw.TIFF", ""))
}

func TestArchiveName(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	assert.Equal(t, "compressed_images_1712345678901.zip", ArchiveName("compressed_images", now))
	assert.Equal(t, "images_1712345678901.zip", ArchiveName(" ", now))
}
