package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"briefbot/internal/briefing"
	"briefbot/internal/config"
	"briefbot/internal/storage"
	"briefbot/internal/transport/telegram"
	"briefbot/internal/upstream"
	logx "briefbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:    poll,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogTarget parses telegram.group_log. ok is false when unset or invalid.
func groupLogTarget(cfg *config.Config) (int64, bool) {
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

func mapUpstreamConfig(cfg *config.Config) (upstream.Config, error) {
	d, err := cfg.Briefing.Durations()
	if err != nil {
		return upstream.Config{}, err
	}
	return upstream.Config{
		APIURL:  strings.TrimSpace(cfg.Briefing.APIURL),
		Timeout: d.FetchTimeout,
		Dir:     strings.TrimSpace(cfg.Briefing.DownloadDir),
	}, nil
}

// mapBriefingConfig builds the hot-reloadable service config, including the
// workday calendar.
func mapBriefingConfig(cfg *config.Config) (briefing.Config, error) {
	b := cfg.Briefing
	d, err := b.Durations()
	if err != nil {
		return briefing.Config{}, err
	}
	cal, err := briefing.NewWorkdayCalendar(b.Workdays, b.Holidays, b.ExtraWorkdays)
	if err != nil {
		return briefing.Config{}, fmt.Errorf("briefing.%w", err)
	}
	tz := strings.TrimSpace(b.DefaultTimezone)
	if tz == "" {
		tz = briefing.FallbackTimezone
	}

	out := briefing.Config{
		Enabled:     b.IsEnabled(),
		Timezone:    tz,
		Calendar:    cal,
		Tick:        d.Tick,
		Scheduled:   briefing.ScheduledRetry,
		Interactive: briefing.InteractiveRetry,
	}
	if b.RetryAttempts > 0 {
		out.Scheduled.Attempts = b.RetryAttempts
		out.Interactive.Attempts = b.RetryAttempts
	}
	if d.RetryBackoff > 0 {
		out.Scheduled.Backoff = d.RetryBackoff
	}
	if d.SendNowBackoff > 0 {
		out.Interactive.Backoff = d.SendNowBackoff
	}
	return out, nil
}
