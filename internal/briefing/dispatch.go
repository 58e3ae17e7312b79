package briefing

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"briefbot/internal/eventbus"
	logx "briefbot/pkg/logx"
)

// State is the dispatch loop's mode for the current iteration.
type State int32

const (
	StateDisabled State = iota
	StateNonWorkday
	StateScanning
	// StatePanicked marks a step that was cut short by a recovered panic.
	StatePanicked
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateNonWorkday:
		return "non-workday"
	case StateScanning:
		return "scanning"
	case StatePanicked:
		return "panicked"
	default:
		return "unknown"
	}
}

const (
	// DefaultTick is the recheck cadence while disabled and after a panicked step.
	DefaultTick = 60 * time.Second
	// nonWorkdayCap keeps non-workday sleeps short enough to notice toggles.
	nonWorkdayCap = time.Hour
	// catchUpWindow bounds how far back a scan reaches for slots missed
	// while the previous batch was still delivering.
	catchUpWindow = 15 * time.Minute
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// environment is what the dispatcher reads from its owning Service on every
// step, so toggles and reloads take effect without restarting the loop.
type environment interface {
	Enabled() bool
	Location() *time.Location
	Calendar() Calendar
	ScheduledPolicy() RetryPolicy
	Tick() time.Duration
}

// Dispatcher is the periodic control loop. Step is one iteration; Run
// repeats it with the returned wait until ctx is done.
type Dispatcher struct {
	env     environment
	reg     *Registry
	hist    *History
	fetcher Fetcher
	sink    Sink
	clock   Clock
	sleep   Sleeper
	bus     eventbus.Bus
	log     logx.Logger

	state    atomic.Int32
	lastTick atomic.Int64 // unix nanos of the last completed step

	stepMu sync.Mutex
	// lastScan is the exclusive lower bound of the next scan window; zero
	// means only the current minute is considered.
	lastScan time.Time
}

// Step runs one iteration of the loop and returns the resulting state and
// how long to wait before the next one. A panic inside the step is logged
// and turned into an idle wait.
//
// A scan covers every slot after the previous scan up to now, so entries
// whose minute passed while an earlier batch was still delivering are
// picked up late instead of dropped. History keeps that from sending twice.
func (d *Dispatcher) Step(ctx context.Context) (st State, wait time.Duration) {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch step panicked",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			st, wait = StatePanicked, d.tick()
		}
		d.state.Store(int32(st))
		d.lastTick.Store(d.clock.Now().UnixNano())
	}()

	if !d.env.Enabled() {
		d.lastScan = time.Time{}
		return StateDisabled, d.tick()
	}

	now := d.clock.Now().In(d.env.Location())
	if cal := d.env.Calendar(); cal != nil && !cal.IsWorkday(now) {
		wait = untilNextMidnight(now)
		if wait > nonWorkdayCap {
			wait = nonWorkdayCap
		}
		if wait < time.Second {
			wait = time.Second
		}
		d.log.Debug("not a workday; sleeping", logx.String("date", now.Format(dateLayout)), logx.Duration("wait", wait))
		d.lastScan = time.Time{}
		return StateNonWorkday, wait
	}

	d.hist.Prune(now)
	from := d.windowStart(now)
	if d.scan(ctx, from, now) {
		d.lastScan = now
	} else {
		d.lastScan = from
	}

	end := d.clock.Now().In(now.Location())
	if end.Truncate(time.Minute).After(now.Truncate(time.Minute)) {
		// The batch ran into a later minute; scan again right away.
		return StateScanning, time.Second
	}
	return StateScanning, untilNextMinute(end)
}

// windowStart is the exclusive lower bound of the slots due at now.
func (d *Dispatcher) windowStart(now time.Time) time.Time {
	minuteStart := TimeOfDay{Hour: now.Hour(), Minute: now.Minute()}.On(now)
	from := minuteStart.Add(-time.Nanosecond)
	if last := d.lastScan; !last.IsZero() && !last.After(now) {
		from = last
	}
	if floor := minuteStart.Add(-catchUpWindow); from.Before(floor) {
		from = floor
	}
	return from
}

func (d *Dispatcher) tick() time.Duration {
	if t := d.env.Tick(); t > 0 {
		return t
	}
	return DefaultTick
}

// scan delivers the entries due in (from, now]. It reports false when the
// fetch failed and the window should be scanned again.
func (d *Dispatcher) scan(ctx context.Context, from, now time.Time) bool {
	due := d.reg.Due(from, now, d.hist)
	if len(due) == 0 {
		return true
	}
	d.log.Info("briefings due", logx.Int("count", len(due)), logx.String("at", now.Format("15:04")))

	art, err := d.fetcher.Fetch(ctx)
	if err != nil {
		d.log.Warn("briefing fetch failed; skipping this tick", logx.Err(err), logx.Int("due", len(due)))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFail, Data: err.Error()})
		return false
	}

	policy := d.env.ScheduledPolicy()
	for _, e := range due {
		target, ok := e.Target.Target()
		if !ok {
			continue
		}
		attempts, err := DeliverWithRetry(ctx, d.sink, target, art, policy, d.sleep, d.log)
		ev := eventbus.Delivery{RecipientID: e.RecipientID, Attempts: attempts, Local: art.Local(), Trigger: "schedule"}
		if err != nil {
			ev.Err = err.Error()
			d.log.Error("briefing delivery abandoned for today's slot",
				logx.String("recipient", e.RecipientID),
				logx.Int("attempts", attempts),
				logx.Err(err),
			)
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFail, Data: ev})
			continue
		}
		d.hist.Mark(e.RecipientID, now)
		d.log.Info("briefing delivered",
			logx.String("recipient", e.RecipientID),
			logx.Int("attempts", attempts),
			logx.Bool("local", art.Local()),
		)
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Data: ev})
	}
	return true
}

// Run loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatch loop started")
	defer d.log.Info("dispatch loop stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		_, wait := d.Step(ctx)
		if err := d.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// State returns the state of the last completed step.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// LastTick returns when the last step finished (zero before the first).
func (d *Dispatcher) LastTick() time.Time {
	n := d.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
