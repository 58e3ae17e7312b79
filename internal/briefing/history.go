package briefing

import (
	"sync"
	"time"
)

// History remembers successful sends per recipient and calendar day so a
// minute that is scanned twice never delivers twice. It is not persisted.
type History struct {
	mu   sync.Mutex
	sent map[historyKey]time.Time
}

type historyKey struct {
	recipient string
	day       string
}

func NewHistory() *History {
	return &History{sent: map[historyKey]time.Time{}}
}

func keyFor(id string, at time.Time) historyKey {
	return historyKey{recipient: id, day: at.Format(dateLayout)}
}

// Sent reports whether id already received today's briefing (day taken
// from at in at's location).
func (h *History) Sent(id string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sent[keyFor(id, at)]
	return ok
}

// Mark records a successful send to id at at.
func (h *History) Mark(id string, at time.Time) {
	h.mu.Lock()
	h.sent[keyFor(id, at)] = at
	h.mu.Unlock()
}

// LastSent returns the recorded send time for id on at's day.
func (h *History) LastSent(id string, at time.Time) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.sent[keyFor(id, at)]
	return t, ok
}

// Prune drops records for days other than today's.
func (h *History) Prune(today time.Time) int {
	day := today.Format(dateLayout)
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for k := range h.sent {
		if k.day != day {
			delete(h.sent, k)
			n++
		}
	}
	return n
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}
