package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/yshengliao/hashnav/config"
)

func TestNew_WritesJSONAtLevel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	logger, err := New(config.LoggerConfig{
		Level:       "warn",
		Encoding:    "json",
		OutputPaths: []string{out},
	})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"shown"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNew_Debug(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(config.LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	assert.Panics(t, func() { Must(config.LoggerConfig{Level: "loud"}) })
}
