package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Briefing BriefingConfig `json:"briefing"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id that receives the Telegram log sink.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
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

// BriefingConfig drives the daily briefing service.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - api_url: the public 60-second briefing API
//   - default_timezone: "Asia/Shanghai"
//   - fetch_timeout: "15s"
//   - tick: "60s"
//   - retry_attempts: 3
//   - retry_backoff: "2s" (scheduled sends)
//   - send_now_backoff: "5s" (/brief)
//   - workdays: "MON-FRI"
//
// Enabled is a pointer so an omitted key means "on".
type BriefingConfig struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	APIURL          string   `json:"api_url,omitempty"`
	DefaultTimezone string   `json:"default_timezone,omitempty"`
	FetchTimeout    string   `json:"fetch_timeout,omitempty"`
	DownloadDir     string   `json:"download_dir,omitempty"`
	Tick            string   `json:"tick,omitempty"`
	RetryAttempts   int      `json:"retry_attempts,omitempty"`
	RetryBackoff    string   `json:"retry_backoff,omitempty"`
	SendNowBackoff  string   `json:"send_now_backoff,omitempty"`
	Workdays        string   `json:"workdays,omitempty"`
	Holidays        []string `json:"holidays,omitempty"`
	ExtraWorkdays   []string `json:"extra_workdays,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (b BriefingConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// StorageConfig controls persistence of schedules, settings and the audit
// trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./briefbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
