package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"swapkline/config"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// go test -v --run TestJSONLogger
func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "info", Format: "json", Environment: "prod"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("bar closed", zap.String("interval", "1m"))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "bar closed", line["msg"])
	assert.Equal(t, "1m", line["interval"])
	assert.Equal(t, "prod", line["env"])
}

// go test -v --run TestInvalidOptions
func TestInvalidOptions(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

// go test -v --run TestFileOutput
func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kline.log")
	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "debug", Environment: "dev", OutputFile: path}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Warn("subscriber too slow")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "subscriber too slow")
	assert.Contains(t, buf.String(), "WARN")
}
