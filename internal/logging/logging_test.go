package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	logger, err := New("api", Config{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug("batch archived", zap.Int("entries", 2))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"msg":"batch archived"`)
	assert.Contains(t, line, `"logger":"api"`)
	assert.Contains(t, line, `"entries":2`)
}

func TestNewHonoursLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	logger, err := New("worker", Config{Level: "warn", Format: "console", File: path})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hidden"))
	assert.Contains(t, string(data), "shown")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New("x", Config{Level: "loud"})
	require.Error(t, err)
	_, err = New("x", Config{Format: "xml"})
	require.Error(t, err)
}
