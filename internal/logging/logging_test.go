package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, structured bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	original := DefaultLogger
	DefaultLogger = newLogger(structured, "test-service")
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		DefaultLogger = original
	})
	return &buf
}

func TestLogLevels(t *testing.T) {
	buf := capture(t, false)

	Info("Info message", map[string]string{"key": "value"})
	Warn("Warning message")
	Error("Error message", map[string]string{"key": "value"})

	output := buf.String()
	assert.Contains(t, output, "[INFO] Info message: map[key:value]")
	assert.Contains(t, output, "[WARN] Warning message")
	assert.Contains(t, output, "[ERROR]")
}

func TestLogWithError(t *testing.T) {
	buf := capture(t, false)

	ErrorWithError("Error occurred", errors.New("test error for logging"), map[string]string{"context": "test"})
	WarnWithError("Warn occurred", errors.New("just the error"))

	output := buf.String()
	assert.Contains(t, output, "[ERROR] Error occurred: test error for logging map[context:test]")
	assert.Contains(t, output, "[WARN] Warn occurred: just the error")
}

func TestStructuredLogging(t *testing.T) {
	buf := capture(t, true)
	SetService("securechat-test")

	WarnWithError("Test structured log", errors.New("boom"), map[string]string{"user": "alice"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	// The standard logger prefixes a timestamp
	line := lines[len(lines)-1]
	line = line[strings.Index(line, "{"):]

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "securechat-test", entry.Service)
	assert.Equal(t, "Test structured log", entry.Message)
	assert.Equal(t, "boom", entry.Error)
	assert.Equal(t, map[string]any{"user": "alice"}, entry.Data)
}
