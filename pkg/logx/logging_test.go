package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{" DEBUG ", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("tick executed", Int64("event_id", 7), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "scheduler" || m["message"] != "tick executed" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["event_id"] != float64(7) {
		t.Fatalf("event_id = %v", m["event_id"])
	}
	if !log.Enabled(LevelWarn) || log.Enabled(LevelDebug) {
		t.Fatal("Enabled does not follow configured level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop should not report IsZero")
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"warn","time":"x","message":"tick failed","timeline_id":3,"comp":"scheduler"}`))
	want := "[WARN] tick failed\n- comp=scheduler\n- timeline_id=3"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-JSON line = %q", got)
	}
}
