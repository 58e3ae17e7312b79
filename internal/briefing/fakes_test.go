package briefing

import (
	"context"
	"errors"
	"sync"
	"time"

	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sendCall struct {
	To    kit.ChatTarget
	Photo kit.Photo
}

// fakeSink fails the first failFirst sends per target.
type fakeSink struct {
	mu        sync.Mutex
	failFirst map[int64]int
	failAll   map[int64]bool
	calls     []sendCall
	onSend    func() // runs after each recorded send
}

func (s *fakeSink) SendPhoto(ctx context.Context, to kit.ChatTarget, p kit.Photo, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{To: to, Photo: p})
	if s.onSend != nil {
		s.onSend()
	}
	if s.failAll[to.ChatID] {
		return kit.MessageRef{}, errors.New("chat unreachable")
	}
	if n := s.failFirst[to.ChatID]; n > 0 {
		s.failFirst[to.ChatID] = n - 1
		return kit.MessageRef{}, errors.New("transient send error")
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.calls)}, nil
}

func (s *fakeSink) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

type fakeFetcher struct {
	mu    sync.Mutex
	art   Artifact
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context) (Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.art, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordSleep never blocks; it records requested waits.
type recordSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordSleep) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}
