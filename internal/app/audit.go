package app

import (
	"context"
	"fmt"
	"time"

	"briefbot/internal/eventbus"
	"briefbot/internal/storage"
	logx "briefbot/pkg/logx"
)

// auditEvents persists delivery outcomes published on the bus until ctx is
// done. Command-triggered edits are audited by the router itself, so
// schedule-change events are only logged here.
func auditEvents(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(128)
	defer unsub()
	defer func() {
		if n := bus.Dropped(); n > 0 {
			log.Warn("events lost before auditing", logx.Uint64("dropped", n))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntryFor(e)
			if !ok {
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				continue
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := store.AppendAudit(actx, entry); err != nil {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
			cancel()
		}
	}
}

func auditEntryFor(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch e.Type {
	case eventbus.TypeDelivered, eventbus.TypeDeliveryFail:
		d, ok := e.Data.(eventbus.Delivery)
		if !ok {
			return storage.AuditEntry{}, false
		}
		trigger := d.Trigger
		if trigger == "" {
			trigger = "schedule"
		}
		return storage.AuditEntry{
			At:          at,
			Action:      "deliver." + trigger,
			RecipientID: d.RecipientID,
			OK:          e.Type == eventbus.TypeDelivered,
			Attempts:    d.Attempts,
			Error:       d.Err,
			Detail:      fmt.Sprintf("local=%v", d.Local),
		}, true
	case eventbus.TypeFetchFail:
		return storage.AuditEntry{
			At:     at,
			Action: "fetch",
			OK:     false,
			Error:  fmt.Sprint(e.Data),
		}, true
	default:
		return storage.AuditEntry{}, false
	}
}
