package eventbus

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the briefing engine.
const (
	TypeDelivered     = "briefing.delivered"
	TypeDeliveryFail  = "briefing.delivery_failed"
	TypeFetchFail     = "briefing.fetch_failed"
	TypeScheduleEdit  = "briefing.schedule_changed"
	TypeToggleEnabled = "briefing.toggled"
)

// Event decouples the dispatch loop from the audit trail and other
// observers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the Data payload of TypeDelivered / TypeDeliveryFail.
type Delivery struct {
	RecipientID string
	Attempts    int
	Local       bool
	Err         string
	Trigger     string // "schedule" | "command"
}

// ScheduleChange is the Data payload of TypeScheduleEdit.
type ScheduleChange struct {
	Action      string // set | cancel | delete | activate | timezone
	RecipientID string
	Detail      string
}

type Bus interface {
	// Publish never blocks. A subscriber whose buffer is full misses e.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscribers since creation.
	Dropped() uint64
}

const defaultBuffer = 8

// New returns an in-process fanout bus. It runs no goroutines.
func New() Bus { return &memBus{} }

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type memBus struct {
	// mu is held for reading while sending, so unsubscribe (which closes
	// the channel) takes the write lock.
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, cmp.Or(max(buffer, 0), defaultBuffer))
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch, sync.OnceFunc(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(c chan Event) bool { return c == ch })
		close(ch)
	})
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
