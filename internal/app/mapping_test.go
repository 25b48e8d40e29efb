package app

import (
	"context"
	"testing"
	"time"

	"tickbot/internal/config"
	"tickbot/internal/observability/debug"
	"tickbot/internal/scheduler"
)

func TestMapSchedulerConfigDefaultsAndCap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        config.SchedulerConfig
		wantPoll  time.Duration
		wantStall string
	}{
		{"defaults", config.SchedulerConfig{}, time.Second, scheduler.DefaultStallCheck},
		{"faster poll", config.SchedulerConfig{PollInterval: "250ms", StallCheck: "-"}, 250 * time.Millisecond, "-"},
		{"capped poll", config.SchedulerConfig{PollInterval: "1m", StallCheck: "@hourly"}, time.Second, "@hourly"},
	}
	for _, tt := range tests {
		got, err := mapSchedulerConfig(&config.Config{Scheduler: tt.in})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got.PollInterval != tt.wantPoll || got.StallCheck != tt.wantStall {
			t.Fatalf("%s: got %+v", tt.name, got)
		}
		if got.NotifyTimeout != scheduler.DefaultNotifyTimeout {
			t.Fatalf("%s: notify timeout = %v", tt.name, got.NotifyTimeout)
		}
	}

	if _, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{NotifyTimeout: "soon"}}); err == nil {
		t.Fatal("expected error for bad notify_timeout")
	}
}

func TestMapNotifierConfigFallsBackWhenOmitted(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !got.Enabled || got.RatePerSec != 3 || got.Timeout != 10*time.Second || got.RetryBase != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", got)
	}

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, RetryMax: -1}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got.Enabled || got.RetryMax != 0 || got.RatePerSec != 3 {
		t.Fatalf("explicit = %+v", got)
	}
}

func TestMapStorageAndDebug(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: " SQLite ", Path: " ./tick.db ", BusyTimeout: "3s"},
		Debug:   config.DebugConfig{Enabled: true, Token: " t "},
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "./tick.db" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("storage = %+v", sc)
	}
	dc := mapDebugConfig(cfg)
	if dc.Addr != debug.DefaultAddr || dc.Token != "t" || !dc.Enabled {
		t.Fatalf("debug = %+v", dc)
	}
}

func TestLogTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		wantID int64
		wantOK bool
	}{
		{"", 0, false},
		{"-1001234", -1001234, true},
		{" 42 ", 42, true},
		{"@channel", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: tt.raw}}
		id, ok := logTarget(cfg)
		if id != tt.wantID || ok != tt.wantOK {
			t.Fatalf("logTarget(%q) = %d, %v", tt.raw, id, ok)
		}
	}
}

func TestBoundedContextNeverExtendsDeadline(t *testing.T) {
	t.Parallel()
	parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ctx, stop := boundedContext(parent, time.Hour)
	defer stop()
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) > 50*time.Millisecond {
		t.Fatalf("deadline = %v, %v", dl, ok)
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	c, stop2 := boundedContext(expired, time.Second)
	defer stop2()
	if c.Err() == nil {
		t.Fatal("expected an already-done context")
	}
}
