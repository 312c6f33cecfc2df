// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(&buf, &buf, false)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Errorf("expected no output for debug at Info level, got: %q", buf.String())
	}

	buf.Reset()
	logger.Info("info message")
	if !strings.Contains(buf.String(), `"message":"info message"`) {
		t.Errorf("expected info message in output, got: %q", buf.String())
	}

	buf.Reset()
	logger.Warn("warn message")
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warning level in output, got: %q", buf.String())
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected error level in output, got: %q", buf.String())
	}
}

func TestLogger_Verbose(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(&buf, &buf, true)

	logger.Debug("debug message")
	if !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Errorf("expected debug level in output when verbose, got: %q", buf.String())
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(&buf, &buf, false)

	logger = logger.WithFields(NewField("env", "prod"), NewField("version", "1.0.0"))
	logger.Info("deploying")

	output := buf.String()
	if !strings.Contains(output, `"env":"prod"`) {
		t.Errorf("expected env field in output, got: %q", output)
	}
	if !strings.Contains(output, `"version":"1.0.0"`) {
		t.Errorf("expected version field in output, got: %q", output)
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(false)
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}

	verboseLogger := NewLogger(true)
	if verboseLogger == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.expected)
		}
	}
}
