package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).RunContext(context.Background(), append([]string{"imagetool", "--env-file", ""}, args...))
	return stdout.String(), err
}

func TestFlipWritesFiles(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	a := writePNG(t, in, "a.png", 12, 6)
	b := writePNG(t, in, "b.png", 6, 12)

	stdout, err := runApp(t, "--out", out, "--json", "flip", "--horizontal", a, b)
	require.NoError(t, err)

	var rep report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	require.Len(t, rep.Items, 2)
	for _, it := range rep.Items {
		assert.Equal(t, "done", it.Status)
		assert.True(t, strings.HasPrefix(it.Output, out), it.Output)
		_, err := os.Stat(it.Output)
		assert.NoError(t, err)
	}
	assert.Equal(t, 12, rep.Items[0].Width)
	assert.Equal(t, 12, rep.Items[1].Height)
}

func TestResizeZip(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	a := writePNG(t, in, "a.png", 40, 20)
	b := writePNG(t, in, "b.png", 20, 40)

	_, err := runApp(t, "--out", out, "--zip", "resize", "--width", "10", "--height", "10", a, b)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(out, "resized_images_*.zip"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	zr, err := zip.OpenReader(matches[0])
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 2)
}

func TestConvertReportsFailures(t *testing.T) {
	in := t.TempDir()
	good := writePNG(t, in, "good.png", 8, 8)
	bad := filepath.Join(in, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))

	stdout, err := runApp(t, "--out", t.TempDir(), "convert", "--format", "jpg", good, bad, filepath.Join(in, "missing.png"))
	require.Error(t, err)

	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.ExitCode())
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, stdout, "ok   good.png")
	assert.Contains(t, stdout, "FAIL bad.png")
}

func TestCropRejectsBatch(t *testing.T) {
	in := t.TempDir()
	a := writePNG(t, in, "a.png", 8, 8)

	_, err := runApp(t, "crop", "--width", "4", "--height", "4", a, a)
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.ExitCode())
}

func TestInfo(t *testing.T) {
	a := writePNG(t, t.TempDir(), "a.png", 9, 5)
	stdout, err := runApp(t, "info", a)
	require.NoError(t, err)
	assert.Contains(t, stdout, "a.png: image/png 9x5")
}

func TestUniquePath(t *testing.T) {
	used := map[string]struct{}{}
	assert.Equal(t, "out/a.png", uniquePath(used, "out/a.png"))
	assert.Equal(t, "out/a-1.png", uniquePath(used, "out/a.png"))
	assert.Equal(t, "out/a-2.png", uniquePath(used, "out/a.png"))
}
