package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks fields that can be verified without touching the network.
// Errors name the offending key path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if cfg.Telegram.SendRatePerSec < 0 {
		add(errors.New("telegram.send_rate_per_sec: must be >= 0"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	b := cfg.Briefing
	if raw := strings.TrimSpace(b.APIURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("briefing.api_url: invalid URL %q", raw))
		}
	}
	if tz := strings.TrimSpace(b.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("briefing.default_timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"briefing.fetch_timeout":    b.FetchTimeout,
		"briefing.tick":             b.Tick,
		"briefing.retry_backoff":    b.RetryBackoff,
		"briefing.send_now_backoff": b.SendNowBackoff,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if b.RetryAttempts < 0 || b.RetryAttempts > 10 {
		add(errors.New("briefing.retry_attempts: must be between 0 and 10"))
	}
	for _, d := range b.Holidays {
		add(checkDate("briefing.holidays", d))
	}
	for _, d := range b.ExtraWorkdays {
		add(checkDate("briefing.extra_workdays", d))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	return errors.Join(errs...)
}

func checkDate(path, raw string) error {
	if _, err := time.Parse("2006-01-02", strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%s: invalid date %q (want YYYY-MM-DD)", path, raw)
	}
	return nil
}
