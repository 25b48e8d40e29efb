package app

import (
	"strconv"
	"strings"
	"time"

	"tickbot/internal/config"
	"tickbot/internal/notifier"
	"tickbot/internal/observability/debug"
	"tickbot/internal/scheduler"
	"tickbot/internal/storage"
	logx "tickbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. ok is false when it is empty or not
// a chat id.
func logTarget(cfg *config.Config) (chatID int64, ok bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationCapped("scheduler.poll_interval", sc.PollInterval,
		scheduler.DefaultPollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	notify, err := config.ParseDurationOrDefault("scheduler.notify_timeout", sc.NotifyTimeout, scheduler.DefaultNotifyTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	stall := strings.TrimSpace(sc.StallCheck)
	if stall == "" {
		stall = scheduler.DefaultStallCheck
	}
	return scheduler.Config{PollInterval: poll, NotifyTimeout: notify, StallCheck: stall}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.NotifierOrDefault()
	timeout, err := config.ParseDurationOrDefault("notifier.timeout", nc.Timeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 5*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	rate := nc.RatePerSec
	if rate <= 0 {
		rate = 3
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		RatePerSec:    rate,
		Timeout:       timeout,
		RetryMax:      max(nc.RetryMax, 0),
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	addr := strings.TrimSpace(cfg.Debug.Addr)
	if addr == "" {
		addr = debug.DefaultAddr
	}
	return debug.Config{Enabled: cfg.Debug.Enabled, Addr: addr, Token: strings.TrimSpace(cfg.Debug.Token)}
}
