package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2stream/internal/config"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger_NilConfig(t *testing.T) {
	_, err := NewLogger(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging configuration cannot be nil")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, config.LogLevelWarning)

	lg.Debug("debug message", nil)
	lg.Info("info message", nil)
	lg.Warn("warn message", LogFields{"stream_id": 3})
	lg.Error("error message", LogFields{"error": "boom"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "warn message", entries[0]["message"])
	assert.EqualValues(t, 3, entries[0]["stream_id"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error"])
	assert.Contains(t, entries[1], "time")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, config.LogLevelDebug).With(LogFields{"component": "stream"})

	lg.Debug("hello", LogFields{"identifier": "req-1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "stream", entries[0]["component"])
	assert.Equal(t, "req-1", entries[0]["identifier"])
}

func TestLogger_Nop(t *testing.T) {
	lg := Nop()
	assert.NotPanics(t, func() {
		lg.Error("ignored", LogFields{"a": 1})
		lg.Access(AccessEntry{Method: "GET"})
	})
}

func TestNewLogger_FileTargets(t *testing.T) {
	dir := t.TempDir()
	errorPath := filepath.Join(dir, "error.log")
	accessPath := filepath.Join(dir, "access.log")

	lg, err := NewLogger(&config.LoggingConfig{
		LogLevel:  config.LogLevelInfo,
		ErrorLog:  &config.ErrorLogConfig{Target: strPtr(errorPath), Format: "json"},
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(true), Target: strPtr(accessPath)},
	})
	require.NoError(t, err)

	lg.Info("server started", LogFields{"address": ":8443"})
	lg.Access(AccessEntry{
		RemoteAddr:    "127.0.0.1:5000",
		Method:        "POST",
		Path:          "/echo",
		Protocol:      "HTTP/2.0",
		StreamID:      7,
		Status:        200,
		ResponseBytes: 12,
		Duration:      15 * time.Millisecond,
		Err:           errors.New("stream aborted"),
	})
	require.NoError(t, lg.CloseLogFiles())

	errorData, err := os.ReadFile(errorPath)
	require.NoError(t, err)
	assert.Contains(t, string(errorData), `"message":"server started"`)
	assert.Contains(t, string(errorData), `"address":":8443"`)

	accessData, err := os.ReadFile(accessPath)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(accessData), &entry))
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/echo", entry["uri"])
	assert.EqualValues(t, 7, entry["h2_stream_id"])
	assert.EqualValues(t, 200, entry["status"])
	assert.EqualValues(t, 15, entry["duration_ms"])
	assert.Equal(t, "stream aborted", entry["stream_error"])
}

func TestNewLogger_AccessLogDisabled(t *testing.T) {
	lg, err := NewLogger(&config.LoggingConfig{
		LogLevel:  config.LogLevelInfo,
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(false)},
	})
	require.NoError(t, err)
	assert.Nil(t, lg.accessLog)
}

func TestNewLogger_UnwritableTarget(t *testing.T) {
	_, err := NewLogger(&config.LoggingConfig{
		ErrorLog: &config.ErrorLogConfig{Target: strPtr(filepath.Join(t.TempDir(), "missing", "error.log"))},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open error log target")
}
