// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pricewatch/internal/config"
)

// bufferSink returns a write syncer backed by an in-memory buffer.
func bufferSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	buf := &bytes.Buffer{}
	return buf, zapcore.AddSync(buf)
}

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "pricewatch",
			Colors:      config.ColorConfig{Info: "green"},
		}
		Initialize(cfg, sink)
		GetLogger().Info("session established", zap.String("account", "primary"))
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "session established")
		assert.Contains(t, output, "pricewatch.")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)
		GetLogger().Warn("challenge still present", zap.String("title", "Just a moment..."))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "challenge still present", entry["msg"])
		assert.Equal(t, "Just a moment...", entry["title"])
	})

	t.Run("level filtering", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, sink)
		GetLogger().Info("dropped")
		GetLogger().Error("kept")
		Sync()

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "verbose", Format: "json"}, sink)
		GetLogger().Debug("hidden")
		GetLogger().Info("visible")
		Sync()

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("writes to a log file when configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		_, sink := bufferSink()
		logPath := filepath.Join(t.TempDir(), "pricewatch.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: logPath, MaxSize: 1}, sink)
		GetLogger().Error("scrape failed")
		Sync()

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "scrape failed")
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(content)), "{"), "file sink should be JSON")
	})

	t.Run("only the first call has effect", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, sink)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		assert.NotNil(t, GetLogger())
	})

	t.Run("returns the stored logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		_, sink := bufferSink()
		Initialize(config.LoggerConfig{Level: "info"}, sink)
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestSetLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))
	GetLogger().Info("observed")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "observed", logs.All()[0].Message)
}

func TestSyncWithoutLogger(t *testing.T) {
	ResetForTest()
	assert.NotPanics(t, Sync)
}
