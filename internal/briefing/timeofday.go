package briefing

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock minute in the service's zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and "HHMM" (both zero-padded). A fullwidth
// colon is accepted in place of ':'. Anything else, including out-of-range
// hours or minutes, yields ok=false.
func ParseTimeOfDay(raw string) (TimeOfDay, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "：", ":"))
	var hh, mm string
	switch {
	case len(s) == 5 && s[2] == ':':
		hh, mm = s[:2], s[3:]
	case len(s) == 4:
		hh, mm = s[:2], s[2:]
	default:
		return TimeOfDay{}, false
	}
	h, ok := twoDigits(hh)
	if !ok || h > 23 {
		return TimeOfDay{}, false
	}
	m, ok := twoDigits(mm)
	if !ok || m > 59 {
		return TimeOfDay{}, false
	}
	return TimeOfDay{Hour: h, Minute: m}, true
}

func twoDigits(s string) (int, bool) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

// String renders the canonical zero-padded "HH:MM" form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Matches reports whether now falls in this minute (seconds ignored).
func (t TimeOfDay) Matches(now time.Time) bool {
	return now.Hour() == t.Hour && now.Minute() == t.Minute
}

// On returns this time of day on day's calendar date, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }
