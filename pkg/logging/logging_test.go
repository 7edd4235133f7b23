package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestSubsystemAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Info("coordinator", "refresh %s", "completed")

	out := buf.String()
	if !strings.Contains(out, "subsystem=coordinator") {
		t.Errorf("expected subsystem attribute, got %q", out)
	}
	if !strings.Contains(out, "refresh completed") {
		t.Errorf("expected formatted message, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("vault", "should be suppressed")
	Info("vault", "should be suppressed")
	Warn("vault", "should appear")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("low-severity entries leaked through filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn entry missing: %q", out)
	}
}

func TestErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("interceptor", errors.New("connection reset"), "request failed")

	out := buf.String()
	if !strings.Contains(out, "connection reset") {
		t.Errorf("expected error attribute, got %q", out)
	}
}

func TestAuditEventName(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Audit("token_stored")

	out := buf.String()
	if !strings.Contains(out, "SECURITY_AUDIT: token_stored") {
		t.Errorf("expected audit marker, got %q", out)
	}
	if !strings.Contains(out, "event=token_stored") {
		t.Errorf("expected structured event attribute, got %q", out)
	}
}

func TestTruncateToken(t *testing.T) {
	if got := TruncateToken("abcdefghijklmnop"); got != "abcdefgh..." {
		t.Errorf("TruncateToken long = %q", got)
	}
	if got := TruncateToken("short"); got != "short" {
		t.Errorf("TruncateToken short = %q", got)
	}
}
