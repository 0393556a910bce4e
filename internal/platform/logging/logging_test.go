package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := Setup(&buf, "warn", "json"); err != nil {
		t.Fatal(err)
	}

	slog.Info("hidden")
	slog.Warn("shown", "jobID", "j1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["jobID"] != "j1" {
		t.Errorf("record = %v", rec)
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := Setup(&buf, "loud", "text"); err == nil {
		t.Error("expected level error")
	}
	if _, err := Setup(&buf, "info", "xml"); err == nil {
		t.Error("expected format error")
	}
}
