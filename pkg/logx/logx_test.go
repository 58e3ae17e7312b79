package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	kit "briefbot/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Warn("visible", Int("n", 3), Err(errors.New("bad")), Err(nil), Duration("d", time.Second))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("json: %v", err)
	}
	if m["message"] != "visible" || m["comp"] != "test" || m["n"] != float64(3) || m["level"] != "warn" {
		t.Fatalf("record=%v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatalf("Nop should not be the zero logger")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	to   []kit.ChatTarget
	msgs []string
}

func (r *recordingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.msgs = append(r.msgs, text)
	return kit.MessageRef{}, nil
}

func (r *recordingSender) snapshot() ([]kit.ChatTarget, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.ChatTarget(nil), r.to...), append([]string(nil), r.msgs...)
}

func TestServiceFileAndTelegramSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{
			Enabled:    true,
			ThreadID:   7,
			MinLevel:   "warn",
			RatePerSec: 50,
		},
	}, sender)
	svc.SetTelegramTarget(-100, 0)

	log.Info("below telegram threshold")
	log.Warn("send failed", String("recipient", "tg:-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, msgs := sender.snapshot(); len(msgs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	to, msgs := sender.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("forwarded=%q", msgs)
	}
	if to[0] != (kit.ChatTarget{ChatID: -100, ThreadID: 7}) {
		t.Fatalf("target=%+v", to[0])
	}
	if !strings.HasPrefix(msgs[0], "[WARN] send failed") || !strings.Contains(msgs[0], "- recipient=tg:-1") {
		t.Fatalf("msg=%q", msgs[0])
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "below telegram threshold") || !strings.Contains(string(b), "send failed") {
		t.Fatalf("file=%s", b)
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	got := formatChatLine([]byte(`{"level":"error","message":"boom","time":"x","b":2,"a":"1"}`))
	if got != "[ERROR] boom\n- a=1\n- b=2" {
		t.Fatalf("got %q", got)
	}
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("plain=%q", got)
	}
	long := strings.Repeat("x", 5000)
	if got := formatChatLine([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated len=%d", len(got))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{"debug": LevelDebug, "TRACE": LevelDebug, " info ": LevelInfo, "warning": LevelWarn, "ERROR": LevelError, "loud": LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
