package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"briefbot/internal/eventbus"
	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
)

func TestServiceSetTimeAndCancel(t *testing.T) {
	t.Parallel()

	f := newDispatchFixture(t, Config{Enabled: true})
	ctx := context.Background()
	target := kit.ChatTarget{ChatID: -100, ThreadID: 7}

	if _, err := f.svc.SetTime(ctx, target, "25:00"); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("err=%v, want ErrInvalidTime", err)
	}
	if len(f.svc.Registry().List()) != 0 {
		t.Fatalf("rejected input mutated the registry")
	}

	tod, err := f.svc.SetTime(ctx, target, "0830")
	if err != nil || tod.String() != "08:30" {
		t.Fatalf("SetTime: %v %v", tod, err)
	}
	e, ok := f.svc.Registry().Get("tg:-100:7")
	if !ok || !e.Active() {
		t.Fatalf("entry %+v ok=%v", e, ok)
	}

	if err := f.svc.Cancel(ctx, target); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.svc.Cancel(ctx, target); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("second cancel err=%v", err)
	}
	if _, err := f.svc.SetTime(ctx, kit.ChatTarget{}, "08:00"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("zero target err=%v", err)
	}
}

func TestServiceSendNow(t *testing.T) {
	t.Parallel()

	f := newDispatchFixture(t, Config{Enabled: false})
	ctx := context.Background()
	f.sink.failFirst[1] = 1

	res, err := f.svc.SendNow(ctx, chat(1))
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if res.Attempts != 2 || !res.Local {
		t.Fatalf("res=%+v", res)
	}
	if waits := f.sleep.Waits(); len(waits) != 1 || waits[0] != 5*time.Second {
		t.Fatalf("waits=%v", waits)
	}
	if f.svc.hist.Len() != 0 {
		t.Fatalf("send-now must not touch dispatch history")
	}

	f.fetcher.err = errors.New("upstream down")
	if _, err := f.svc.SendNow(ctx, chat(1)); err == nil {
		t.Fatalf("expected fetch error")
	}
}

func TestServiceListWithNextOccurrence(t *testing.T) {
	t.Parallel()

	f := newDispatchFixture(t, Config{Enabled: true, Calendar: weekdays(t)})
	ctx := context.Background()
	f.svc.Registry().SetTime(ctx, "tg:1", mustTime(t, "07:00"), Bound(chat(1)))
	f.svc.Registry().SetTime(ctx, "tg:2", mustTime(t, "09:00"), Bound(chat(2)))
	f.svc.Registry().SetTime(ctx, "old", mustTime(t, "06:00"), Unset())

	now := at(16, 8, 0, 0) // Friday
	rows := f.svc.List(now)
	if len(rows) != 3 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0].Entry.RecipientID != "tg:1" || !rows[0].Next.Equal(at(19, 7, 0, 0)) {
		t.Fatalf("row 1: %+v", rows[0])
	}
	if rows[1].Entry.RecipientID != "tg:2" || !rows[1].Next.Equal(at(16, 9, 0, 0)) {
		t.Fatalf("row 2: %+v", rows[1])
	}
	if rows[2].Index != 3 || !rows[2].Next.IsZero() {
		t.Fatalf("row 3: %+v", rows[2])
	}

	picked := f.svc.List(now, 3, 9, 1)
	if len(picked) != 2 || picked[0].Index != 3 || picked[1].Index != 1 {
		t.Fatalf("picked=%+v", picked)
	}
}

func TestServiceActivateAndDelete(t *testing.T) {
	t.Parallel()

	f := newDispatchFixture(t, Config{Enabled: true})
	ctx := context.Background()
	f.svc.Registry().SetTime(ctx, "g1", mustTime(t, "08:00"), Unset())

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	e, err := f.svc.Activate(ctx, 1, chat(42))
	if err != nil || e.RecipientID != "tg:42" {
		t.Fatalf("Activate: %+v %v", e, err)
	}
	ev := <-events
	if ch, ok := ev.Data.(eventbus.ScheduleChange); !ok || ch.Action != "activate" {
		t.Fatalf("event=%+v", ev)
	}

	// Activated entry now dispatches at 08:00.
	f.svc.Dispatcher().Step(ctx)
	if calls := f.sink.Calls(); len(calls) != 1 || calls[0].To.ChatID != 42 {
		t.Fatalf("calls=%+v", calls)
	}

	if _, err := f.svc.Delete(ctx, 5); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("err=%v", err)
	}
	if _, err := f.svc.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(f.svc.Registry().List()) != 0 {
		t.Fatalf("entry not deleted")
	}
}

func TestServiceSettingsPersist(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	ctx := context.Background()
	svc := NewService(Config{Enabled: true, Timezone: "UTC"}, Deps{Store: st, Log: testLogger()})

	if got := svc.ToggleEnabled(ctx); got {
		t.Fatalf("toggle returned %v", got)
	}
	if _, err := svc.SetTimezone(ctx, "Mars/Olympus"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("err=%v", err)
	}
	if _, err := svc.SetTimezone(ctx, "Europe/Berlin"); err != nil {
		t.Fatalf("SetTimezone: %v", err)
	}

	b, err := st.GetState(ctx, settingsKey)
	if err != nil {
		t.Fatalf("settings not stored: %v", err)
	}
	var doc settingsDoc
	if err := json.Unmarshal(b, &doc); err != nil || doc.Enabled == nil || *doc.Enabled || doc.Timezone != "Europe/Berlin" {
		t.Fatalf("settings doc=%s err=%v", b, err)
	}

	// A fresh service with the same store picks the settings up on start.
	again := NewService(Config{Enabled: true, Timezone: "UTC"}, Deps{Store: st, Log: testLogger(), Fetcher: &fakeFetcher{}, Sink: &fakeSink{}})
	if err := again.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer again.Stop(ctx)
	if again.Enabled() || again.TimezoneName() != "Europe/Berlin" {
		t.Fatalf("enabled=%v tz=%s", again.Enabled(), again.TimezoneName())
	}

	// Config reload does not override the runtime timezone.
	again.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	if again.TimezoneName() != "Europe/Berlin" {
		t.Fatalf("tz=%s after reload", again.TimezoneName())
	}
	if again.Enabled() {
		t.Fatalf("unchanged config value must not reset the runtime toggle")
	}
	again.Apply(Config{Enabled: false, Timezone: "Asia/Tokyo"})
	again.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	if !again.Enabled() {
		t.Fatalf("changed config value should apply")
	}
}

func TestServiceTimezoneFallback(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{Timezone: "Not/AZone"}, Deps{Log: testLogger()})
	if svc.TimezoneName() != FallbackTimezone {
		t.Fatalf("tz=%s", svc.TimezoneName())
	}
	if svc.Location() == nil {
		t.Fatalf("nil location")
	}
}

func TestServiceStatus(t *testing.T) {
	t.Parallel()

	f := newDispatchFixture(t, Config{Enabled: true, Calendar: weekdays(t)})
	ctx := context.Background()
	f.svc.Registry().SetTime(ctx, "a", mustTime(t, "08:00"), Bound(chat(1)))
	f.svc.Registry().SetTime(ctx, "b", mustTime(t, "09:00"), Unset())
	f.svc.Dispatcher().Step(ctx)

	st := f.svc.Status()
	if !st.Enabled || st.Active != 1 || st.Inactive != 1 || st.State != StateScanning || st.SentToday != 1 {
		t.Fatalf("status=%+v", st)
	}
	if st.Calendar == "" || st.Running {
		t.Fatalf("status=%+v", st)
	}
}
