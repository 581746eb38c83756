package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func lastLine(buf *bytes.Buffer) map[string]any {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		return nil
	}
	return entry
}

func TestJSONOutputFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelInfo, &buf)
	l.Info("hello", Fields{"key": "value"})

	entry := lastLine(&buf)
	if entry == nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if entry["service"] != "testsvc" || entry["level"] != "INFO" || entry["message"] != "hello" || entry["key"] != "value" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelWarn, &buf)
	l.Debug("d", nil)
	l.Info("i", nil)
	if buf.Len() != 0 {
		t.Fatalf("below-threshold messages emitted: %q", buf.String())
	}
	l.Warn("w", nil)
	if buf.Len() == 0 {
		t.Fatalf("warn suppressed at warn level")
	}
}

func TestSensitiveFieldsMasked(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelInfo, &buf)
	l.Info("login", Fields{"password": "hunter2", "api_token": "abc", "user": "alice"})

	entry := lastLine(&buf)
	if entry["password"] != "MASKED" || entry["api_token"] != "MASKED" {
		t.Fatalf("secrets leaked: %+v", entry)
	}
	if entry["user"] != "alice" {
		t.Fatalf("benign field altered: %+v", entry)
	}
}

func TestSecurityEventMarker(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelInfo, &buf)
	l.SecurityEvent("lockout applied", Fields{"subject_id": "u1"})

	entry := lastLine(&buf)
	if entry["event_type"] != "security" || entry["security_event"] != "lockout applied" {
		t.Fatalf("missing security marker: %+v", entry)
	}
}

func TestWithFieldsInherited(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelInfo, &buf).WithFields(Fields{"component": "engine"})
	l.Info("m", nil)

	if entry := lastLine(&buf); entry["component"] != "engine" {
		t.Fatalf("base field missing: %+v", entry)
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx, id := GetOrCreateCorrelationID(ctx)
	if id == "" {
		t.Fatalf("empty correlation id")
	}
	if got := GetCorrelationID(ctx); got != id {
		t.Fatalf("round trip mismatch: %q vs %q", got, id)
	}
	// Existing id is reused, not replaced.
	_, again := GetOrCreateCorrelationID(ctx)
	if again != id {
		t.Fatalf("existing id replaced")
	}

	var buf bytes.Buffer
	l := NewLogger("testsvc", LevelInfo, &buf).WithContext(ctx)
	l.Info("m", nil)
	if entry := lastLine(&buf); entry["correlation_id"] != id {
		t.Fatalf("correlation id not logged: %+v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
