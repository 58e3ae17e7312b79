package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at key. Blank means
// zero; negative values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", key, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with blank and zero mapped
// to def.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// BriefingDurations holds the parsed briefing timings. Zero leaves the
// component default in place.
type BriefingDurations struct {
	FetchTimeout   time.Duration
	Tick           time.Duration
	RetryBackoff   time.Duration
	SendNowBackoff time.Duration
}

// Durations parses every briefing duration and reports all bad keys at once.
func (b BriefingConfig) Durations() (BriefingDurations, error) {
	var out BriefingDurations
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"briefing.fetch_timeout", b.FetchTimeout, &out.FetchTimeout},
		{"briefing.tick", b.Tick, &out.Tick},
		{"briefing.retry_backoff", b.RetryBackoff, &out.RetryBackoff},
		{"briefing.send_now_backoff", b.SendNowBackoff, &out.SendNowBackoff},
	}
	var errs []error
	for _, f := range fields {
		d, err := ParseDurationField(f.key, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = d
	}
	return out, errors.Join(errs...)
}
