package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/vanshika/paybridge/backend/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", "transaction_id", "dep_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output, got %v", err)
	}
	if entry["msg"] != "kept" || entry["transaction_id"] != "dep_1" || entry["service"] != "paybridge" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestNewWithWriterText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, &buf).Debug("polling")
	if !strings.Contains(buf.String(), "msg=polling") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
