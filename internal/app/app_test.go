package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"briefbot/internal/config"
	"briefbot/internal/eventbus"
	"briefbot/internal/storage"
	logx "briefbot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr string
	}{
		{"omitted", nil, "memory", 0, ""},
		{"none", &config.StorageConfig{Driver: "none"}, "memory", 0, ""},
		{"file", &config.StorageConfig{Driver: "File", Path: "./s"}, "file", 0, ""},
		{"sqlite default busy", &config.StorageConfig{Driver: "sqlite3", Path: "./b.db"}, "sqlite", time.Second, ""},
		{"sqlite busy", &config.StorageConfig{Driver: "sqlite", Path: "./b.db", BusyTimeout: "3s"}, "sqlite", 3 * time.Second, ""},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, "", 0, "storage.path"},
		{"unknown", &config.StorageConfig{Driver: "etcd"}, "", 0, "unknown storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil || got.Driver != tc.driver || got.BusyTimeout != tc.busy {
				t.Fatalf("got=%+v err=%v", got, err)
			}
		})
	}
}

func TestMapBriefingConfig(t *testing.T) {
	t.Parallel()

	off := false
	cfg := &config.Config{Briefing: config.BriefingConfig{
		Enabled:        &off,
		Tick:           "30s",
		RetryAttempts:  5,
		RetryBackoff:   "1s",
		SendNowBackoff: "3s",
		Workdays:       "MON-FRI",
		Holidays:       []string{"2026-10-15"},
		ExtraWorkdays:  []string{"2026-10-17"},
	}}
	b, err := mapBriefingConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if b.Enabled || b.Timezone != "Asia/Shanghai" || b.Tick != 30*time.Second {
		t.Fatalf("config=%+v", b)
	}
	if b.Scheduled.Attempts != 5 || b.Scheduled.Backoff != time.Second || b.Interactive.Attempts != 5 || b.Interactive.Backoff != 3*time.Second {
		t.Fatalf("retry=%+v / %+v", b.Scheduled, b.Interactive)
	}
	thu := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	sat := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	if b.Calendar.IsWorkday(thu) || !b.Calendar.IsWorkday(sat) {
		t.Fatalf("holiday/extra workday overrides not applied")
	}

	cfg.Briefing.Workdays = "FUNDAY"
	if _, err := mapBriefingConfig(cfg); err == nil || !strings.Contains(err.Error(), "briefing.workdays") {
		t.Fatalf("err=%v", err)
	}
}

func TestGroupLogTarget(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]int64{"": 0, "-100123": -100123, "abc": 0, "0": 0} {
		got, ok := groupLogTarget(&config.Config{Telegram: config.TelegramConfig{GroupLog: raw}})
		if got != want || ok != (want != 0) {
			t.Fatalf("groupLogTarget(%q)=(%d,%v)", raw, got, ok)
		}
	}
}

func TestAuditEventsPersistsDeliveries(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	store := storage.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		auditEvents(ctx, bus, store, logx.Nop())
		close(done)
	}()

	// Subscription happens inside the goroutine; publish until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for len(store.Audit()) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Data: eventbus.Delivery{RecipientID: "tg:-1", Attempts: 2, Local: true}})
		time.Sleep(20 * time.Millisecond)
	}
	bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFail, Data: "upstream: status 502"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleEdit, Data: eventbus.ScheduleChange{Action: "set"}})

	deadline = time.Now().Add(2 * time.Second)
	var fetchRow *storage.AuditEntry
	for fetchRow == nil && time.Now().Before(deadline) {
		for _, e := range store.Audit() {
			if e.Action == "fetch" {
				e := e
				fetchRow = &e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if fetchRow == nil || fetchRow.OK || fetchRow.Error != "upstream: status 502" {
		t.Fatalf("fetch row=%+v", fetchRow)
	}
	first := store.Audit()[0]
	if first.Action != "deliver.schedule" || !first.OK || first.Attempts != 2 || first.RecipientID != "tg:-1" {
		t.Fatalf("delivery row=%+v", first)
	}
	for _, e := range store.Audit() {
		if strings.HasPrefix(e.Action, "cmd.") || e.Action == "set" {
			t.Fatalf("schedule edits must not be audited here: %+v", e)
		}
	}
}

func TestNotifierWatchdog(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		states []string
	)
	n := &notifier{
		log: logx.Nop(),
		notify: func(s string) (bool, error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
			return true, nil
		},
		watchdog: func() (time.Duration, error) { return 40 * time.Millisecond, nil },
	}
	n.Ready()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, func() bool { return true })
	n.Stopping()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != "READY=1" || states[len(states)-1] != "STOPPING=1" {
		t.Fatalf("states=%v", states)
	}
	for _, s := range states[1 : len(states)-1] {
		if s != "WATCHDOG=1" {
			t.Fatalf("unexpected state %q", s)
		}
	}
}

func TestNotifierWatchdogDisabledOrUnhealthy(t *testing.T) {
	t.Parallel()

	calls := 0
	n := &notifier{
		log:      logx.Nop(),
		notify:   func(string) (bool, error) { calls++; return false, errors.New("no socket") },
		watchdog: func() (time.Duration, error) { return 0, nil },
	}
	n.RunWatchdog(context.Background(), nil)
	if calls != 0 {
		t.Fatalf("disabled watchdog pinged")
	}

	n.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, func() bool { return false })
	if calls != 0 {
		t.Fatalf("unhealthy process pinged the watchdog")
	}
}

func TestRunStopStepsContinuesPastFailures(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		ran []string
	)
	mark := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runStopSteps(ctx, logx.Nop(), []stopStep{
		{"fails", time.Second, mark("fails", errors.New("boom"))},
		{"hangs", 20 * time.Millisecond, func(c context.Context) error { <-c.Done(); <-time.After(time.Second); return nil }},
		{"panics", time.Second, func(context.Context) error { panic("x") }},
		{"last", time.Second, mark("last", nil)},
	})

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(ran, ",") != "fails,last" {
		t.Fatalf("ran=%v", ran)
	}
}

func TestNewestDrainsQueue(t *testing.T) {
	t.Parallel()

	a, b, c := &config.Config{}, &config.Config{}, &config.Config{}
	sub := make(chan *config.Config, 4)
	sub <- b
	sub <- c
	if got := newest(sub, a); got != c || len(sub) != 0 {
		t.Fatalf("newest returned %p (queue %d)", got, len(sub))
	}
	if got := newest(sub, a); got != a {
		t.Fatalf("empty queue should keep current")
	}
}

func TestRestartOnly(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{Telegram: config.TelegramConfig{Token: "a"}}
	newCfg := &config.Config{Telegram: config.TelegramConfig{Token: "b"}}
	got := restartOnly(oldCfg, newCfg, []string{"storage", "logging"})
	if len(got) != 2 || got[0] != "storage" || !strings.HasPrefix(got[1], "telegram") {
		t.Fatalf("restartOnly=%v", got)
	}
	if got := restartOnly(nil, newCfg, nil); len(got) != 0 {
		t.Fatalf("initial config=%v", got)
	}
}
