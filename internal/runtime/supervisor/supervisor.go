// Package supervisor runs named goroutines under one cancellable context,
// recovering panics and optionally restarting loops that die.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "briefbot/pkg/logx"
)

// A loop that survives this long is considered healthy again and its
// restart backoff starts over.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	firstErr atomic.Pointer[error]

	mu    sync.Mutex
	tasks map[string]*task

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type task struct {
	since    time.Time
	restarts int
}

// TaskInfo describes one live goroutine.
type TaskInfo struct {
	Name     string
	Since    time.Time
	Restarts int
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first goroutine error cancel every sibling.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*task{},
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error (or recovered panic) any goroutine reported.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Snapshot lists live goroutines by name.
func (s *Supervisor) Snapshot() []TaskInfo {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for name, t := range s.tasks {
		out = append(out, TaskInfo{Name: name, Since: t.since, Restarts: t.restarts})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) track(name string) {
	s.mu.Lock()
	s.tasks[name] = &task{since: time.Now()}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(name string) {
	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
}

func (s *Supervisor) noteRestart(name string) {
	s.mu.Lock()
	if t := s.tasks[name]; t != nil {
		t.restarts++
	}
	s.mu.Unlock()
}

// Go runs fn in its own goroutine. A non-nil error other than
// context.Canceled, or a panic, is recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.track(name)
	go func() {
		defer s.wg.Done()
		defer s.untrack(name)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				s.fail(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max        time.Duration
	stopOnCleanExit bool
}

// WithRestartBackoff bounds the exponential wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithStopOnCleanExit controls whether a loop that returns normally is left
// stopped (the default) or restarted like a panic.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// next doubles cur within the policy bounds.
func (p restartPolicy) next(cur time.Duration) time.Duration {
	return min(max(cur*2, p.min), p.max)
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}

// GoRestart0 keeps fn running until the context is cancelled, restarting it
// after a panic (and after a clean return unless WithStopOnCleanExit).
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go0(name, func(ctx context.Context) {
		backoff := p.min
		for {
			began := time.Now()
			panicked, stack := runGuarded(ctx, fn)
			if ctx.Err() != nil {
				return
			}
			if panicked == nil && p.stopOnCleanExit {
				return
			}
			if panicked != nil {
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", panicked), logx.String("stack", stack))
			}
			if time.Since(began) >= healthyRun {
				backoff = p.min
			}
			wait := jitter(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			s.noteRestart(name)
			backoff = p.next(backoff)
		}
	})
}

func runGuarded(ctx context.Context, fn func(ctx context.Context)) (panicked any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			panicked, stack = r, string(debug.Stack())
		}
	}()
	fn(ctx)
	return nil, ""
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
