package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("production", "debug", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info().Str("session_id", "s1").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["session_id"] != "s1" || line["message"] != "hello" || line["service"] != "switchboard" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("production", "warn", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("production", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
