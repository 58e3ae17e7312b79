package briefing

import (
	"errors"

	kit "briefbot/internal/transport"
)

var (
	ErrInvalidTime     = errors.New("invalid time of day (use HH:MM or HHMM, e.g. 08:30 or 0830)")
	ErrNotScheduled    = errors.New("no briefing scheduled for this chat")
	ErrBadIndex        = errors.New("no schedule at that index")
	ErrAlreadyActive   = errors.New("schedule is already active")
	ErrInvalidTimezone = errors.New("unknown timezone")
	ErrNoTarget        = errors.New("chat target is required")
)

// Binding is the deliverable handle of an entry: either Unset or Bound to a
// chat target. It is never serialized; entries loaded from storage start
// Unset until a chat re-activates them.
type Binding struct {
	target kit.ChatTarget
	bound  bool
}

func Bound(t kit.ChatTarget) Binding { return Binding{target: t, bound: true} }

func Unset() Binding { return Binding{} }

func (b Binding) IsBound() bool { return b.bound }

func (b Binding) Target() (kit.ChatTarget, bool) { return b.target, b.bound }

// Entry is one recipient's schedule.
type Entry struct {
	RecipientID string
	Time        TimeOfDay
	Target      Binding
}

// Active reports whether the entry can be dispatched.
func (e Entry) Active() bool { return e.Target.IsBound() }

// RecipientIDFor derives the registry key for a chat.
func RecipientIDFor(t kit.ChatTarget) string { return t.Key() }
