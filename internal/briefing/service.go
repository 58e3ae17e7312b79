package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"briefbot/internal/eventbus"
	"briefbot/internal/runtime/supervisor"
	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

// FallbackTimezone is used when the configured zone cannot be loaded.
const FallbackTimezone = "Asia/Shanghai"

// Config is the hot-reloadable part of the service.
type Config struct {
	Enabled     bool
	Timezone    string
	Calendar    Calendar // nil means every day is a workday
	Tick        time.Duration
	Scheduled   RetryPolicy
	Interactive RetryPolicy
}

// Deps are the collaborators wired in by the app.
type Deps struct {
	Store   Persistence
	Fetcher Fetcher
	Sink    Sink
	Bus     eventbus.Bus
	Log     logx.Logger
	Clock   Clock
	Sleep   Sleeper
}

// Service owns the registry, the global toggle and the dispatch loop. One
// instance is shared by the command handlers and the loop.
type Service struct {
	log     logx.Logger
	store   Persistence
	fetcher Fetcher
	sink    Sink
	bus     eventbus.Bus
	clock   Clock
	sleep   Sleeper

	reg  *Registry
	hist *History
	disp *Dispatcher

	enabled atomic.Bool

	mu         sync.RWMutex
	cfg        Config
	loc        *time.Location
	tzName     string
	tzOverride bool // timezone was set at runtime and persisted

	settingsMu sync.Mutex

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func NewService(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Sleep == nil {
		deps.Sleep = SleepContext
	}
	s := &Service{
		log:     log,
		store:   deps.Store,
		fetcher: deps.Fetcher,
		sink:    deps.Sink,
		bus:     deps.Bus,
		clock:   deps.Clock,
		sleep:   deps.Sleep,
		reg:     NewRegistry(deps.Store, log.With(logx.String("comp", "briefing.registry"))),
		hist:    NewHistory(),
	}
	s.enabled.Store(cfg.Enabled)
	s.cfg = normalizeConfig(cfg)
	s.tzName, s.loc = s.resolveLocation(cfg.Timezone)
	s.disp = &Dispatcher{
		env:     s,
		reg:     s.reg,
		hist:    s.hist,
		fetcher: s.fetcher,
		sink:    s.sink,
		clock:   s.clock,
		sleep:   s.sleep,
		bus:     s.bus,
		log:     log.With(logx.String("comp", "briefing.dispatch")),
	}
	return s
}

func normalizeConfig(cfg Config) Config {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Scheduled.Attempts <= 0 {
		cfg.Scheduled = ScheduledRetry
	}
	if cfg.Interactive.Attempts <= 0 {
		cfg.Interactive = InteractiveRetry
	}
	return cfg
}

// LoadLocation resolves name, falling back to FallbackTimezone and finally
// to a fixed UTC+8 zone. ok is false when name itself was unusable.
func LoadLocation(name string) (loc *time.Location, resolved string, ok bool) {
	name = strings.TrimSpace(name)
	if name != "" {
		if l, err := time.LoadLocation(name); err == nil {
			return l, name, true
		}
	}
	if l, err := time.LoadLocation(FallbackTimezone); err == nil {
		return l, FallbackTimezone, false
	}
	return time.FixedZone("UTC+8", 8*3600), FallbackTimezone, false
}

func (s *Service) resolveLocation(name string) (string, *time.Location) {
	loc, resolved, ok := LoadLocation(name)
	if !ok {
		s.log.Warn("timezone unusable; using fallback",
			logx.String("timezone", name),
			logx.String("fallback", resolved),
		)
	}
	return resolved, loc
}

// environment

func (s *Service) Enabled() bool { return s.enabled.Load() }

func (s *Service) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Service) Calendar() Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Calendar
}

func (s *Service) ScheduledPolicy() RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Scheduled
}

func (s *Service) Tick() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Tick
}

func (s *Service) interactivePolicy() RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Interactive
}

// Dispatcher exposes the loop for tests and status.
func (s *Service) Dispatcher() *Dispatcher { return s.disp }

// Registry exposes the schedule registry.
func (s *Service) Registry() *Registry { return s.reg }

// Apply takes a reloaded config. The enabled flag is only reset when the
// configured value changed, so a runtime toggle survives unrelated reloads.
// A runtime timezone override likewise wins over the configured default.
func (s *Service) Apply(cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	override := s.tzOverride
	s.mu.Unlock()

	if prev.Enabled != cfg.Enabled {
		s.enabled.Store(cfg.Enabled)
		s.log.Info("briefing enablement changed by config", logx.Bool("enabled", cfg.Enabled))
	}
	if !override && prev.Timezone != cfg.Timezone {
		name, loc := s.resolveLocation(cfg.Timezone)
		s.mu.Lock()
		s.tzName, s.loc = name, loc
		s.mu.Unlock()
		s.log.Info("briefing timezone changed by config", logx.String("timezone", name))
	}
}

// Start loads persisted state and launches the dispatch loop. Calling it
// twice without Stop is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return nil
	}

	n := s.reg.Load(ctx)
	s.loadSettings(ctx)
	s.log.Info("briefing service starting",
		logx.Int("schedules", n),
		logx.Bool("enabled", s.Enabled()),
		logx.String("timezone", s.TimezoneName()),
	)

	sup := supervisor.NewSupervisor(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log.With(logx.String("comp", "briefing.supervisor"))),
	)
	sup.GoRestart0("briefing.dispatch", s.disp.Run,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithStopOnCleanExit(true),
	)
	s.sup = sup
	return nil
}

// Stop cancels the loop and waits for it within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("briefing service stopped")
	return err
}

// SetTime schedules the chat at raw ("HH:MM" or "HHMM") and binds it.
func (s *Service) SetTime(ctx context.Context, chat kit.ChatTarget, raw string) (TimeOfDay, error) {
	if chat.IsZero() {
		return TimeOfDay{}, ErrNoTarget
	}
	tod, ok := ParseTimeOfDay(raw)
	if !ok {
		return TimeOfDay{}, ErrInvalidTime
	}
	id := RecipientIDFor(chat)
	s.reg.SetTime(ctx, id, tod, Bound(chat))
	s.publishChange("set", id, tod.String())
	return tod, nil
}

// Cancel removes the chat's schedule.
func (s *Service) Cancel(ctx context.Context, chat kit.ChatTarget) error {
	id := RecipientIDFor(chat)
	if !s.reg.Cancel(ctx, id) {
		return ErrNotScheduled
	}
	s.publishChange("cancel", id, "")
	return nil
}

// ToggleEnabled flips the global switch and returns the new value.
func (s *Service) ToggleEnabled(ctx context.Context) bool {
	var next bool
	for {
		cur := s.enabled.Load()
		next = !cur
		if s.enabled.CompareAndSwap(cur, next) {
			break
		}
	}
	s.saveSettings(ctx)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeToggleEnabled, Data: next})
	s.log.Info("briefing enablement toggled", logx.Bool("enabled", next))
	return next
}

// SendResult reports an immediate delivery.
type SendResult struct {
	Attempts int
	Local    bool
}

// SendNow fetches the briefing and delivers it to chat right away. It does
// not touch the dispatch history, so the scheduled send still happens.
func (s *Service) SendNow(ctx context.Context, chat kit.ChatTarget) (SendResult, error) {
	if chat.IsZero() {
		return SendResult{}, ErrNoTarget
	}
	art, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFail, Data: err.Error()})
		return SendResult{}, err
	}
	p := s.interactivePolicy()
	attempts, err := DeliverWithRetry(ctx, s.sink, chat, art, p, s.sleep, s.log)
	ev := eventbus.Delivery{RecipientID: RecipientIDFor(chat), Attempts: attempts, Local: art.Local(), Trigger: "command"}
	res := SendResult{Attempts: attempts, Local: art.Local()}
	if err != nil {
		ev.Err = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFail, Data: ev})
		return res, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Data: ev})
	return res, nil
}

// Listed is one row of the schedule listing.
type Listed struct {
	Index int // 1-based
	Entry Entry
	Next  time.Time // zero for inactive entries
}

// List returns the listing at now. With indices, only those positions are
// returned (unknown ones are skipped) in the order asked.
func (s *Service) List(now time.Time, indices ...int) []Listed {
	loc := s.Location()
	cal := s.Calendar()
	local := now.In(loc)
	all := s.reg.List()

	row := func(i int) Listed {
		e := all[i]
		l := Listed{Index: i + 1, Entry: e}
		if e.Active() {
			l.Next = NextOccurrence(local, e.Time, cal)
		}
		return l
	}

	if len(indices) == 0 {
		out := make([]Listed, 0, len(all))
		for i := range all {
			out = append(out, row(i))
		}
		return out
	}
	out := make([]Listed, 0, len(indices))
	for _, idx := range indices {
		if idx < 1 || idx > len(all) {
			continue
		}
		out = append(out, row(idx-1))
	}
	return out
}

// Delete removes the entry at a listing index.
func (s *Service) Delete(ctx context.Context, index int) (Entry, error) {
	e, err := s.reg.Delete(ctx, index)
	if err != nil {
		return e, err
	}
	s.publishChange("delete", e.RecipientID, e.Time.String())
	return e, nil
}

// Activate binds the inactive entry at index to chat.
func (s *Service) Activate(ctx context.Context, index int, chat kit.ChatTarget) (Entry, error) {
	if chat.IsZero() {
		return Entry{}, ErrNoTarget
	}
	e, err := s.reg.Activate(ctx, RecipientIDFor(chat), index, chat)
	if err != nil {
		return e, err
	}
	s.publishChange("activate", e.RecipientID, e.Time.String())
	return e, nil
}

// SetTimezone switches the zone used for matching and persists it.
func (s *Service) SetTimezone(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return "", ErrInvalidTimezone
	}
	s.mu.Lock()
	s.loc, s.tzName, s.tzOverride = loc, name, true
	s.mu.Unlock()
	s.saveSettings(ctx)
	s.publishChange("timezone", "", name)
	s.log.Info("briefing timezone set", logx.String("timezone", name))
	return name, nil
}

func (s *Service) TimezoneName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tzName
}

// Status is a point-in-time summary for operators.
type Status struct {
	Enabled   bool
	Timezone  string
	Calendar  string
	Active    int
	Inactive  int
	State     State
	LastTick  time.Time
	SentToday int
	Running   bool
	Restarts  int // dispatch loop restarts after a panic
}

func (s *Service) Status() Status {
	active, inactive := s.reg.Counts()
	st := Status{
		Enabled:   s.Enabled(),
		Timezone:  s.TimezoneName(),
		Active:    active,
		Inactive:  inactive,
		State:     s.disp.State(),
		LastTick:  s.disp.LastTick(),
		SentToday: s.hist.Len(),
	}
	if c, ok := s.Calendar().(interface{ String() string }); ok {
		st.Calendar = c.String()
	} else if s.Calendar() == nil {
		st.Calendar = "every day"
	}
	s.runMu.Lock()
	st.Running = s.sup != nil
	for _, t := range s.sup.Snapshot() {
		st.Restarts += t.Restarts
	}
	s.runMu.Unlock()
	return st
}

func (s *Service) publishChange(action, id, detail string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleEdit,
		Data: eventbus.ScheduleChange{Action: action, RecipientID: id, Detail: detail},
	})
}

func (s *Service) loadSettings(ctx context.Context) {
	if s.store == nil {
		return
	}
	b, err := s.store.GetState(ctx, settingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("load settings failed", logx.Err(err))
		return
	}
	var doc settingsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("persisted settings unreadable; using config", logx.Err(err))
		return
	}
	if doc.Enabled != nil {
		s.enabled.Store(*doc.Enabled)
	}
	if doc.Timezone != "" {
		if loc, err := time.LoadLocation(doc.Timezone); err == nil {
			s.mu.Lock()
			s.loc, s.tzName, s.tzOverride = loc, doc.Timezone, true
			s.mu.Unlock()
		} else {
			s.log.Warn("persisted timezone unusable; ignoring", logx.String("timezone", doc.Timezone))
		}
	}
}

func (s *Service) saveSettings(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	enabled := s.Enabled()
	doc := settingsDoc{Enabled: &enabled}
	s.mu.RLock()
	if s.tzOverride {
		doc.Timezone = s.tzName
	}
	s.mu.RUnlock()
	b, err := json.Marshal(doc)
	if err == nil {
		err = s.store.PutState(ctx, settingsKey, b)
	}
	if err != nil {
		s.log.Warn("save settings failed", logx.Err(err))
	}
}
