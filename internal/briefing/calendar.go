package briefing

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Calendar is the workday oracle.
type Calendar interface {
	IsWorkday(day time.Time) bool
}

// CalendarFunc adapts a plain function to Calendar.
type CalendarFunc func(day time.Time) bool

func (f CalendarFunc) IsWorkday(day time.Time) bool { return f(day) }

// EveryDay treats every date as a workday.
var EveryDay Calendar = CalendarFunc(func(time.Time) bool { return true })

const (
	DefaultWorkdays = "MON-FRI"
	dateLayout      = "2006-01-02"
)

var dowParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// WorkdayCalendar combines a weekly pattern with dated overrides.
//
// The weekly pattern is a cron day-of-week field ("MON-FRI", "1-5", "MON,WED,FRI").
// Holidays force a date off, extra workdays force it on (make-up days);
// an extra workday wins over a holiday listed for the same date.
type WorkdayCalendar struct {
	pattern  string
	weekly   cron.Schedule
	holidays map[string]struct{}
	extra    map[string]struct{}
}

func NewWorkdayCalendar(pattern string, holidays, extraWorkdays []string) (*WorkdayCalendar, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultWorkdays
	}
	sched, err := dowParser.Parse("0 0 * * " + pattern)
	if err != nil {
		return nil, fmt.Errorf("workdays %q: %w", pattern, err)
	}
	c := &WorkdayCalendar{
		pattern:  pattern,
		weekly:   sched,
		holidays: map[string]struct{}{},
		extra:    map[string]struct{}{},
	}
	if err := addDates(c.holidays, holidays); err != nil {
		return nil, fmt.Errorf("holidays: %w", err)
	}
	if err := addDates(c.extra, extraWorkdays); err != nil {
		return nil, fmt.Errorf("extra_workdays: %w", err)
	}
	return c, nil
}

func addDates(dst map[string]struct{}, in []string) error {
	for _, raw := range in {
		d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", raw)
		}
		dst[d.Format(dateLayout)] = struct{}{}
	}
	return nil
}

func (c *WorkdayCalendar) IsWorkday(day time.Time) bool {
	key := day.Format(dateLayout)
	if _, ok := c.extra[key]; ok {
		return true
	}
	if _, ok := c.holidays[key]; ok {
		return false
	}
	y, m, d := day.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return c.weekly.Next(midnight.Add(-time.Second)).Equal(midnight)
}

func (c *WorkdayCalendar) String() string {
	return fmt.Sprintf("%s (+%d holidays, +%d extra workdays)", c.pattern, len(c.holidays), len(c.extra))
}
