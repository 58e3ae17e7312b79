// Package telegram is the Telegram Bot API transport, built on telebot. It
// feeds text messages to the command router and carries outbound briefings
// and forwarded log lines.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "briefbot/internal/runtime/supervisor"
	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

var _ kit.Adapter = (*Adapter)(nil)

const (
	defaultPollTimeout = 10 * time.Second
	defaultSendRate    = 20
	dropReportEvery    = 10 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound calls across all chats. Zero means 20.
	SendRatePerSec int
}

type Adapter struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger

	mu   sync.Mutex
	sink chan<- kit.Update
	sup  *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	lastMenu []tele.Command
}

// New validates the token with Telegram (getMe) and registers the text
// handler. Polling starts with Start.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: poll},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{bot: bot, log: log, limiter: rate.NewLimiter(defaultSendRate, defaultSendRate)}
	a.SetSendRate(cfg.SendRatePerSec)
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// SetLogger swaps the bootstrap logger; call before Start.
func (a *Adapter) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		a.log = log
	}
}

// SetSendRate retunes the outbound limiter; it is safe while running.
func (a *Adapter) SetSendRate(perSec int) {
	if perSec <= 0 {
		perSec = defaultSendRate
	}
	a.limiter.SetLimit(rate.Limit(perSec))
	a.limiter.SetBurst(perSec)
}

func (a *Adapter) onText(c tele.Context) error {
	msg := messageFromTele(c.Message())
	if msg == nil {
		return nil
	}
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return nil
	}
	select {
	case sink <- kit.Update{Kind: kit.UpdateMessage, Message: msg}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling and delivers text messages to out. Updates are
// dropped, and counted, when out is full. A second Start is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sink = out
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))

	a.sup.Go0("telegram.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.flushDropped(cap(out))
			case <-c.Done():
				a.flushDropped(cap(out))
				return
			}
		}
	})
	a.sup.Go0("telegram.halt", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start only returns after bot.Stop; any earlier return is a fault.
	a.sup.GoRestart0("telegram.poll", func(context.Context) {
		a.log.Info("long polling started")
		a.bot.Start()
		a.log.Info("long polling ended")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) flushDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, router queue full", logx.Uint64("count", n), logx.Int("queue_cap", capacity))
	}
}

// Stop halts polling. It waits at most stopGrace (or ctx's deadline when
// sooner) because an in-flight getUpdates can hold the poller for the full
// poll timeout.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.sink = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("telegram stopping")
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Stop(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram poller still busy at shutdown", logx.Err(err))
	default:
		a.log.Debug("telegram goroutines exited with error", logx.Err(err))
	}
	return nil
}
