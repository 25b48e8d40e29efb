package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ErrInvalid marks a config that parsed but cannot be applied.
var ErrInvalid = errors.New("invalid config")

var stallParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks field values that the JSON decoder cannot. Every error
// names the offending field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	for i, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			add(fmt.Errorf("telegram.owner_user_ids[%d]: must be a positive user id", i))
		}
	}

	_, err = ParseDurationField("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	add(err)
	_, err = ParseDurationField("scheduler.notify_timeout", cfg.Scheduler.NotifyTimeout)
	add(err)
	if spec := strings.TrimSpace(cfg.Scheduler.StallCheck); spec != "" && spec != "-" {
		if _, err := stallParser.Parse(spec); err != nil {
			add(fmt.Errorf("scheduler.stall_check: invalid cron spec %q: %w", spec, err))
		}
	}

	n := cfg.NotifierOrDefault()
	if n.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec: must be >= 0"))
	}
	if n.RetryMax < 0 {
		add(errors.New("notifier.retry_max: must be >= 0"))
	}
	for _, f := range []struct{ path, raw string }{
		{"notifier.timeout", n.Timeout},
		{"notifier.retry_base", n.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "memory", "mem":
	case "", "none":
		add(errors.New("storage.driver: required (sqlite or memory)"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.Debug.Enabled {
		add(validateDebugAddr(cfg.Debug))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateHook adapts Validate to ConfigManager.SetValidator.
func ValidateHook(_ context.Context, cfg *Config) error { return Validate(cfg) }

func validateDebugAddr(d DebugConfig) error {
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if strings.TrimSpace(d.Token) != "" {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("debug.addr: %q is not loopback; set debug.token", addr)
}
