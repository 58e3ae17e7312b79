package briefing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

const (
	schedulesKey = "schedules"
	settingsKey  = "settings"
)

// Persistence is the durable side of the registry. storage.Store satisfies it.
type Persistence interface {
	GetState(ctx context.Context, key string) ([]byte, error)
	PutState(ctx context.Context, key string, value []byte) error
}

// Registry is the in-memory recipient → schedule map. The in-memory copy is
// authoritative; persistence is best-effort and never fails an operation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	saveMu sync.Mutex
	store  Persistence
	log    logx.Logger
}

func NewRegistry(store Persistence, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{entries: map[string]Entry{}, store: store, log: log}
}

// Load replaces the in-memory entries with the persisted ones. Missing or
// malformed state leaves an empty registry. All loaded entries are inactive.
func (r *Registry) Load(ctx context.Context) int {
	loaded := map[string]Entry{}
	defer func() {
		r.mu.Lock()
		r.entries = loaded
		r.mu.Unlock()
	}()
	if r.store == nil {
		return 0
	}

	b, err := r.store.GetState(ctx, schedulesKey)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Info("no persisted schedules")
		return 0
	}
	if err != nil {
		r.log.Warn("load schedules failed", logx.Err(err))
		return 0
	}
	res, err := decodeSchedules(b)
	if err != nil {
		r.log.Warn("persisted schedules unreadable; starting empty", logx.Err(err))
		return 0
	}
	for _, id := range res.skipped {
		r.log.Warn("skipping persisted schedule with invalid time", logx.String("recipient", id))
	}
	loaded = res.entries
	if res.legacy {
		r.log.Info("migrated legacy single-recipient schedule", logx.Int("entries", len(loaded)))
	}
	return len(loaded)
}

// Save writes the time fields of every entry. Errors are logged and returned
// for callers that care; mutators ignore them.
func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	b, err := encodeSchedules(r.entries)
	n := len(r.entries)
	r.mu.RUnlock()
	if err == nil {
		err = r.store.PutState(ctx, schedulesKey, b)
	}
	if err != nil {
		r.log.Warn("save schedules failed", logx.Err(err), logx.Int("entries", n))
		return err
	}
	r.log.Debug("schedules saved", logx.Int("entries", n))
	return nil
}

// SetTime upserts the entry for id, overwriting both time and target.
func (r *Registry) SetTime(ctx context.Context, id string, tod TimeOfDay, target Binding) Entry {
	e := Entry{RecipientID: id, Time: tod, Target: target}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	_ = r.Save(ctx)
	return e
}

// Cancel removes the entry for id and reports whether one existed.
func (r *Registry) Cancel(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		_ = r.Save(ctx)
	}
	return ok
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Counts returns the number of active and inactive entries.
func (r *Registry) Counts() (active, inactive int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Active() {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive
}

// List returns active entries followed by inactive ones; position i (0-based)
// is listing index i+1. Each partition is ordered by time, then recipient id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Entry {
	active := make([]Entry, 0, len(r.entries))
	inactive := make([]Entry, 0)
	for _, e := range r.entries {
		if e.Active() {
			active = append(active, e)
		} else {
			inactive = append(inactive, e)
		}
	}
	sortEntries(active)
	sortEntries(inactive)
	return append(active, inactive...)
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if a, b := es[i].Time.minutes(), es[j].Time.minutes(); a != b {
			return a < b
		}
		return es[i].RecipientID < es[j].RecipientID
	})
}

// resolveLocked maps a 1-based listing index to its entry, recomputing the
// listing order every call.
func (r *Registry) resolveLocked(index int) (Entry, bool) {
	list := r.listLocked()
	if index < 1 || index > len(list) {
		return Entry{}, false
	}
	return list[index-1], true
}

// Resolve maps a 1-based listing index to its entry.
func (r *Registry) Resolve(index int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(index)
}

// Delete removes the entry at the 1-based listing index.
func (r *Registry) Delete(ctx context.Context, index int) (Entry, error) {
	r.mu.Lock()
	e, ok := r.resolveLocked(index)
	if ok {
		delete(r.entries, e.RecipientID)
	}
	r.mu.Unlock()
	if !ok {
		return Entry{}, ErrBadIndex
	}
	_ = r.Save(ctx)
	return e, nil
}

// Activate binds the inactive entry at index to target. When the entry was
// stored under a different key than recipientID it is re-keyed, replacing
// any entry already held under recipientID.
func (r *Registry) Activate(ctx context.Context, recipientID string, index int, target kit.ChatTarget) (Entry, error) {
	r.mu.Lock()
	e, ok := r.resolveLocked(index)
	if !ok {
		r.mu.Unlock()
		return Entry{}, ErrBadIndex
	}
	if e.Active() {
		r.mu.Unlock()
		return e, ErrAlreadyActive
	}
	if e.RecipientID != recipientID {
		delete(r.entries, e.RecipientID)
		e.RecipientID = recipientID
	}
	e.Target = Bound(target)
	r.entries[recipientID] = e
	r.mu.Unlock()

	_ = r.Save(ctx)
	return e, nil
}

// Due returns active entries whose slot on now's date falls in (from, now]
// and that have not been delivered today.
func (r *Registry) Due(from, now time.Time, hist *History) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []Entry
	for _, e := range r.entries {
		if !e.Active() {
			continue
		}
		if slot := e.Time.On(now); !slot.After(from) || slot.After(now) {
			continue
		}
		if hist != nil && hist.Sent(e.RecipientID, now) {
			continue
		}
		due = append(due, e)
	}
	sortEntries(due)
	return due
}
