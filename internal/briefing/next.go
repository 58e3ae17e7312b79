package briefing

import "time"

// maxWorkdaySkip bounds the day-by-day walk so a calendar with no workdays
// cannot spin forever.
const maxWorkdaySkip = 366

// NextOccurrence returns the next instant at tod in now's location.
//
// Today's slot is returned when it is not before now (now == slot counts as
// due). With a non-nil cal the result is moved forward day by day until it
// lands on a workday.
func NextOccurrence(now time.Time, tod TimeOfDay, cal Calendar) time.Time {
	candidate := tod.On(now)
	if candidate.Before(now) {
		candidate = tod.On(now.AddDate(0, 0, 1))
	}
	if cal == nil {
		return candidate
	}
	for i := 0; i < maxWorkdaySkip && !cal.IsWorkday(candidate); i++ {
		candidate = tod.On(candidate.AddDate(0, 0, 1))
	}
	return candidate
}

// untilNextMidnight returns how long until the start of the next calendar
// day in now's location.
func untilNextMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// untilNextMinute returns the wait to one second past the next minute
// boundary, so each wall-clock minute is scanned once.
func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute + time.Second)
	return next.Sub(now)
}
