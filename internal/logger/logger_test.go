package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := WithClientGroup(New(&buf, Config{Level: "DEBUG", Format: "json"}), "cg1")
	log = WithComponent(log, "view-syncer")
	log.Debug("hello", "k", 1)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	if line["client_group"] != "cg1" {
		t.Errorf("Expected client_group cg1, got %v", line["client_group"])
	}
	if line["component"] != "view-syncer" {
		t.Errorf("Expected component view-syncer, got %v", line["component"])
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "WARN", Format: "text"})
	log.Info("dropped")
	log.Warn("kept")
	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("Expected info line to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("Expected warn line, got %q", buf.String())
	}
}
