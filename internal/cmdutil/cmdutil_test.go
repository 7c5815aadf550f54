package cmdutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameFormat(t *testing.T) {
	for _, name := range []string{"", "none", "snappy", "zstd"} {
		opt, err := FrameFormat(name)
		require.NoError(t, err, name)
		assert.NotNil(t, opt, name)
	}
	_, err := FrameFormat("lz4")
	assert.ErrorContains(t, err, "lz4")
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LogFlags{Level: "loud"})
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewLogger(LogFlags{Level: "info", File: file, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"shown"`)
	assert.NotContains(t, string(data), "hidden")
}
