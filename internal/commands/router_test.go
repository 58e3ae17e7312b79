package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"briefbot/internal/briefing"
	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

type sentText struct {
	To   kit.ChatTarget
	Text string
	Opt  *kit.SendOptions
}

type fakeChat struct {
	mu     sync.Mutex
	texts  []sentText
	photos []kit.Photo
	menu   []kit.BotCommand
	failN  int
}

func (f *fakeChat) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{To: to, Text: text, Opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeChat) SendPhoto(ctx context.Context, to kit.ChatTarget, p kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, p)
	if f.failN > 0 {
		f.failN--
		return kit.MessageRef{}, errors.New("send failed")
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeChat) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].Text
}

type staticFetcher struct {
	art briefing.Artifact
	err error
}

func (s staticFetcher) Fetch(context.Context) (briefing.Artifact, error) { return s.art, s.err }

type fixture struct {
	router *Router
	chat   *fakeChat
	svc    *briefing.Service
	store  *storage.Memory
}

// 2026-10-15 is a Thursday.
var fixedNow = time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, fetch staticFetcher) *fixture {
	t.Helper()
	chat := &fakeChat{}
	store := storage.NewMemory()
	svc := briefing.NewService(briefing.Config{Enabled: true, Timezone: "UTC"}, briefing.Deps{
		Store:   store,
		Fetcher: fetch,
		Sink:    chat,
		Log:     logx.Nop(),
		Clock:   briefing.ClockFunc(func() time.Time { return fixedNow }),
		Sleep:   func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	r := NewRouter(logx.Nop(), chat, WithAuditor(store))
	r.SetCommands(context.Background(), BriefingCommands(svc, func() time.Time { return fixedNow }))
	return &fixture{router: r, chat: chat, svc: svc, store: store}
}

func (f *fixture) send(t *testing.T, chatID int64, text string) string {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: 77, Text: text, IsGroup: true}}
	_ = f.router.Dispatch(context.Background(), up)
	return f.chat.last()
}

func TestRouterSetTimeListDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{art: briefing.Artifact{URL: "https://x.test/a.jpg"}})

	if got := f.send(t, -1, "/brief_time 25:00"); !strings.Contains(got, "时间格式无效") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -1, "/brief_time@BriefBot 0830"); !strings.Contains(got, "08:30") {
		t.Fatalf("reply=%q", got)
	}
	f.send(t, -2, "/brief_time 07:15")
	f.send(t, -3, "/brief_time 09:00")

	list := f.send(t, -1, "/brief_list")
	for _, want := range []string{"1. <code>07:15</code> tg:-2", "2. <code>08:30</code> tg:-1", "3. <code>09:00</code> tg:-3", "下次 10-15 07:15 周四"} {
		if !strings.Contains(list, want) {
			t.Fatalf("listing missing %q:\n%s", want, list)
		}
	}

	if got := f.send(t, -1, "/brief_list 3"); strings.Contains(got, "tg:-2") || !strings.Contains(got, "tg:-3") {
		t.Fatalf("filtered listing:\n%s", got)
	}

	if got := f.send(t, -1, "/brief_del 2"); !strings.Contains(got, "tg:-1") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -1, "/brief_del 9"); !strings.Contains(got, "不存在") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -1, "/brief_del x"); !strings.Contains(got, "用法") {
		t.Fatalf("reply=%q", got)
	}

	audit := f.store.Audit()
	if len(audit) < 4 {
		t.Fatalf("audit entries=%d", len(audit))
	}
	first := audit[0]
	if first.Action != "cmd.brief_time" || first.ActorID != 77 || first.RequestID == "" {
		t.Fatalf("audit[0]=%+v", first)
	}
}

func TestRouterCancelAndToggle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{})
	if got := f.send(t, -5, "/brief_cancel"); !strings.Contains(got, "没有设置") {
		t.Fatalf("reply=%q", got)
	}
	f.send(t, -5, "/brief_time 0800")
	if got := f.send(t, -5, "/brief_cancel"); !strings.Contains(got, "已取消") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -5, "/brief_toggle"); !strings.Contains(got, "已关闭") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -5, "/brief_time 0800"); !strings.Contains(got, "/brief_toggle") {
		t.Fatalf("disabled hint missing: %q", got)
	}
	if got := f.send(t, -5, "/brief_toggle"); !strings.Contains(got, "已开启") {
		t.Fatalf("reply=%q", got)
	}
}

func TestRouterSendNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{art: briefing.Artifact{Path: "/tmp/briefing.jpg"}})
	f.chat.failN = 1
	f.send(t, -9, "/brief")

	f.chat.mu.Lock()
	texts := append([]sentText(nil), f.chat.texts...)
	photos := len(f.chat.photos)
	f.chat.mu.Unlock()
	if len(texts) != 1 || texts[0].Text != "正在获取今日简报..." {
		t.Fatalf("texts=%+v", texts)
	}
	if photos != 2 {
		t.Fatalf("photo attempts=%d, want 2", photos)
	}

	f2 := newFixture(t, staticFetcher{err: errors.New("upstream down")})
	if got := f2.send(t, -9, "/今日简报"); got != "无法获取今日简报，请稍后再试。" {
		t.Fatalf("reply=%q", got)
	}
	audit := f2.store.Audit()
	if len(audit) != 1 || audit[0].OK || audit[0].Error == "" {
		t.Fatalf("audit=%+v", audit)
	}
}

func TestRouterActivateFromAnotherChat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{})
	ctx := context.Background()
	if err := f.store.PutState(ctx, "schedules", []byte(`{"user_custom_time":"08:00","message_target":"g1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.svc.Registry().Load(ctx)

	if got := f.send(t, -42, "/brief_up 1"); !strings.Contains(got, "08:00") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -42, "/brief_up 1"); !strings.Contains(got, "已处于激活状态") {
		t.Fatalf("reply=%q", got)
	}
	if _, ok := f.svc.Registry().Get("tg:-42"); !ok {
		t.Fatalf("entry not re-keyed to the activating chat")
	}
}

func TestRouterTimezoneAndStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{})
	if got := f.send(t, -1, "/brief_tz Nowhere/City"); !strings.Contains(got, "未知时区") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -1, "/brief_tz UTC"); !strings.Contains(got, "UTC") {
		t.Fatalf("reply=%q", got)
	}
	if got := f.send(t, -1, "/brief_status"); !strings.Contains(got, "时区: UTC") {
		t.Fatalf("status=%q", got)
	}
}

func TestRouterUnknownAndHelp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticFetcher{})

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, Text: "/nope"}}
	_ = f.router.Dispatch(context.Background(), up)
	if got := f.chat.last(); got != replyUnknown {
		t.Fatalf("private unknown reply=%q", got)
	}

	before := len(f.chat.texts)
	f.send(t, -1, "/other_bot_cmd")
	f.send(t, -1, "just chatting")
	if len(f.chat.texts) != before {
		t.Fatalf("group noise produced replies")
	}

	help := f.send(t, -1, "/help")
	if !strings.Contains(help, "/brief_time HH:MM") || !strings.Contains(help, "/help") {
		t.Fatalf("help=%q", help)
	}

	f.chat.mu.Lock()
	menu := f.chat.menu
	f.chat.mu.Unlock()
	if len(menu) != 10 {
		t.Fatalf("menu=%+v", menu)
	}
	for _, c := range menu {
		if sanitizeMenuName(c.Command) != c.Command {
			t.Fatalf("menu entry %q is not telegram safe", c.Command)
		}
	}
}

func TestRouterPanicIsRecovered(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	r := NewRouter(logx.Nop(), chat)
	r.SetCommands(context.Background(), []Command{{
		Route:  "boom",
		Handle: func(context.Context, *Request) error { panic("kaboom") },
	}})
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, Text: "/boom"}}
	if err := r.Dispatch(context.Background(), up); err == nil {
		t.Fatalf("expected panic converted to error")
	}
	if chat.last() != replyFailed {
		t.Fatalf("reply=%q", chat.last())
	}
}

func TestRouterRunProcessesUpdates(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	r := NewRouter(logx.Nop(), chat, WithWorkers(2))
	done := make(chan struct{}, 1)
	r.SetCommands(context.Background(), []Command{{
		Route: "ping",
		Handle: func(ctx context.Context, req *Request) error {
			done <- struct{}{}
			return req.Reply(ctx, "pong")
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	stopped := make(chan error, 1)
	go func() { stopped <- r.Run(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, Text: "/ping"}}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("update not handled")
	}
	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
