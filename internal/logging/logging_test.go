package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LogLevelWarn, "scheduler")

	l.Infof("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	l.Warnf("slot %d busy", 3)
	out := buf.String()
	if !strings.Contains(out, "WARN scheduler: slot 3 busy") {
		t.Errorf("unexpected line: %q", out)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LogLevelDebug, "daemon").With("shim")

	l.Debugf("hello")
	if !strings.Contains(buf.String(), "DEBUG shim: hello") {
		t.Errorf("unexpected line: %q", buf.String())
	}
}

func TestLogger_NilDiscards(t *testing.T) {
	var l *Logger
	l.Errorf("nothing %s", "happens")
	if l.With("x") != nil {
		t.Error("With on nil logger should stay nil")
	}
}
