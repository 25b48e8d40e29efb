package config

// Config is the on-disk bot configuration. JSON and YAML are both accepted;
// unknown keys are rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s" (values above 1s are capped)
//   - stall_check: "@every 10m" ("-" disables the sweep)
//   - notify_timeout: "10s"
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	StallCheck    string `json:"stall_check,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
}

// NotifierConfig controls delivery of tick announcements.
//
// All durations are Go duration strings. If the whole section is omitted the
// notifier is enabled with default limits.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	RatePerSec    int    `json:"rate_per_sec"`
	Timeout       string `json:"timeout,omitempty"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the tick-event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (pprof + scheduler snapshot).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// NotifierOrDefault returns the notifier section, falling back to defaults
// when it was omitted.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return defaultNotifier
	}
	return *c.Notifier
}

var defaultNotifier = NotifierConfig{
	Enabled:       true,
	RatePerSec:    3,
	Timeout:       "10s",
	RetryMax:      2,
	RetryBase:     "500ms",
	RetryMaxDelay: "5s",
}
