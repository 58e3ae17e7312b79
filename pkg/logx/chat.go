package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "briefbot/internal/transport"
)

const (
	chatMaxLen  = 3500
	chatFieldLn = 600
	chatBacklog = 128
)

// TextSender is the part of the Telegram adapter the chat sink needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// chatSink forwards log lines at or above a level to one Telegram chat.
// Writes never block: lines beyond the rate budget or the backlog are
// dropped.
type chatSink struct {
	send  TextSender
	lines chan string

	mu      sync.Mutex
	to      kit.ChatTarget
	min     Level
	limiter *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatSink(send TextSender) *chatSink {
	return &chatSink{
		send:    send,
		lines:   make(chan string, chatBacklog),
		min:     LevelWarn,
		limiter: rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) configure(t TelegramConfig) {
	rps := max(t.RatePerSec, 1)
	c.mu.Lock()
	c.min = parseLevel(t.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if t.ThreadID != 0 {
		c.to.ThreadID = t.ThreadID
	}
	c.mu.Unlock()
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.to.ChatID = chatID
	if threadID != 0 {
		c.to.ThreadID = threadID
	}
	c.mu.Unlock()
}

func (c *chatSink) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.to.ChatID != 0
}

// ensureRunning starts the forwarding goroutine once.
func (c *chatSink) ensureRunning() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.done = make(chan struct{})
		c.mu.Unlock()
		go c.pump(ctx)
	})
}

func (c *chatSink) pump(ctx context.Context) {
	defer close(c.done)
	opt := &kit.SendOptions{DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.lines:
			c.mu.Lock()
			to := c.to
			c.mu.Unlock()
			if to.ChatID != 0 {
				_, _ = c.send.SendText(ctx, to, line, opt)
			}
		}
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(lvl zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	pass := c.to.ChatID != 0 && lvl >= c.min && c.limiter.Allow()
	c.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if line := formatChatLine(p); line != "" {
		select {
		case c.lines <- line:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders one JSON log record as
//
//	[LEVEL] message
//	- key=value
//
// with keys sorted. Non-JSON input is passed through trimmed.
func formatChatLine(p []byte) string {
	var rec map[string]any
	if json.Unmarshal(p, &rec) != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxLen)
	}

	var sb strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&sb, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	sb.WriteString(msg)

	delete(rec, "level")
	delete(rec, "message")
	delete(rec, "time")
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), chatFieldLn))
	}
	return clip(sb.String(), chatMaxLen)
}
