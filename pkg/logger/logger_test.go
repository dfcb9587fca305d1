package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/amoylab/cfgstream/internal/common/config"
)

func TestGetLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"dpanic":  zapcore.DPanicLevel,
		"panic":   zapcore.PanicLevel,
		"fatal":   zapcore.FatalLevel,
		"unknown": zapcore.InfoLevel,
	}
	for in, exp := range cases {
		assert.Equal(t, exp, getLogLevel(in), in)
	}
}

func TestSetLoggerDefaults(t *testing.T) {
	cfg := &config.LoggerConfig{}
	setLoggerDefaults(cfg)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 3, cfg.MaxBackups)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.NotEmpty(t, cfg.TimeZone)
	assert.NotEmpty(t, cfg.TimeFormat)

	lg, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, lg)
}

func TestResolveTimeZone(t *testing.T) {
	assert.Equal(t, "UTC", resolveTimeZone("UTC").String())
	assert.Equal(t, "Local", resolveTimeZone("Not/AZone").String())
}

func TestNewLogger_File(t *testing.T) {
	tmp := t.TempDir()
	cfg := &config.LoggerConfig{
		Output:     "file",
		FilePath:   filepath.Join(tmp, "nested", "cfgstream.log"),
		Format:     "json",
		Stacktrace: true,
		Level:      "debug",
		TimeZone:   "UTC",
		TimeFormat: "2006-01-02",
	}

	lg, err := NewLogger(cfg)
	require.NoError(t, err)
	lg.Named("session").Debug("debug message")
	lg.Error("error message")
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"logger":"session"`)
	assert.Contains(t, lines[1], `"stacktrace"`)
}
