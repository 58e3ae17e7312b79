// Package commands turns chat text into calls on the briefing service.
package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "briefbot/internal/runtime/supervisor"
	"briefbot/internal/storage"
	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

const (
	defaultTimeout = 30 * time.Second
	jobQueueCap    = 256

	replyUnknown = "未知命令，发送 /help 查看可用命令。"
	replyFailed  = "命令执行失败，请稍后再试。"
	replyBusy    = "系统繁忙，请稍后再试。"
)

type Command struct {
	Route       string   // canonical name without the slash, e.g. "brief_time"
	Aliases     []string // extra names routed to the same handler
	Description string
	Usage       string
	Timeout     time.Duration // 0 uses the router default
	Audit       bool          // record every invocation in the audit log
	Hidden      bool          // kept out of the Telegram menu
	Handle      HandlerFunc
}

// Sender is the outbound half of transport.Adapter the router needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Auditor records mutating commands. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	IsGroup bool
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	out Sender

	noteMu      sync.Mutex
	recipientID string
	detail      string
	handled     bool
}

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.out.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML formatted text back to the originating chat.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.out.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// Note attaches the affected recipient and a short detail to the audit row.
func (r *Request) Note(recipientID, detail string) {
	r.noteMu.Lock()
	r.recipientID, r.detail = recipientID, detail
	r.noteMu.Unlock()
}

// Handled marks an error the handler already explained to the user, so the
// router does not add its generic failure reply.
func (r *Request) Handled() {
	r.noteMu.Lock()
	r.handled = true
	r.noteMu.Unlock()
}

type Router struct {
	mu      sync.RWMutex
	byName  map[string]*Command
	ordered []Command

	log     logx.Logger
	out     Sender
	audit   Auditor
	timeout time.Duration
	workers int

	jobs chan func()
}

type Option func(*Router)

func WithAuditor(a Auditor) Option { return func(r *Router) { r.audit = a } }

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func NewRouter(log logx.Logger, out Sender, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		byName:  map[string]*Command{},
		log:     log,
		out:     out,
		timeout: defaultTimeout,
		workers: max(runtime.NumCPU(), 2),
		jobs:    make(chan func(), jobQueueCap),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetCommands replaces the registry. /help is always added. When the sender
// can publish a command menu, the menu is refreshed under ctx.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	all := make([]Command, 0, len(cmds)+1)
	all = append(all, cmds...)
	all = append(all, Command{
		Route:       "help",
		Aliases:     []string{"start"},
		Description: "查看可用命令",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText())
		},
	})

	ordered := make([]Command, 0, len(all))
	for _, c := range all {
		name := strings.ToLower(strings.TrimSpace(c.Route))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Route = name
		ordered = append(ordered, c)
	}
	byName := make(map[string]*Command, len(ordered))
	for i := range ordered {
		byName[ordered[i].Route] = &ordered[i]
	}
	for i := range ordered {
		for _, a := range ordered[i].Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			if _, taken := byName[a]; !taken {
				byName[a] = &ordered[i]
			}
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.ordered = ordered
	r.mu.Unlock()

	if up, ok := r.out.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(mctx, r.menu()); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

func (r *Router) menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Hidden {
			continue
		}
		if name := sanitizeMenuName(c.Route); name != "" {
			out = append(out, kit.BotCommand{Command: name, Description: c.Description})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Run consumes updates with a bounded worker pool until ctx is done or the
// channel is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "commands.workers"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	jobs := r.jobs
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart0("command.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, up)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, up kit.Update) {
	select {
	case r.jobs <- func() { _ = r.Dispatch(ctx, up) }:
	default:
		if up.Message != nil {
			_, _ = r.out.SendText(ctx, up.Message.Target(), replyBusy, nil)
		}
	}
}

// Dispatch routes one update synchronously through the middleware chain.
// Non-command text is ignored.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) error {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil
	}
	parts := tokenize(msg.Text)
	if len(parts) == 0 {
		return nil
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil
	}
	cmd, ok := r.lookup(word)
	if !ok {
		// Group chats carry commands meant for other bots; stay quiet there.
		if !msg.IsGroup {
			_, _ = r.out.SendText(ctx, msg.Target(), replyUnknown, nil)
		}
		return nil
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    msg.Target(),
		FromID:  msg.FromID,
		IsGroup: msg.IsGroup,
		Command: cmd.Route,
		Args:    parts[1:],
		ReqID:   rid,
		out:     r.out,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	err := final(ctx, req)

	req.noteMu.Lock()
	handled := req.handled
	req.noteMu.Unlock()
	if err != nil && !handled {
		_, _ = r.out.SendText(ctx, req.Chat, replyFailed, nil)
	}
	if cmd.Audit {
		r.record(ctx, req, err)
	}
	return err
}

func (r *Router) record(ctx context.Context, req *Request, err error) {
	if r.audit == nil {
		return
	}
	req.noteMu.Lock()
	e := storage.AuditEntry{
		At:          time.Now(),
		RequestID:   req.ReqID,
		ActorID:     req.FromID,
		ChatID:      req.Chat.ChatID,
		ThreadID:    req.Chat.ThreadID,
		Action:      "cmd." + req.Command,
		RecipientID: req.recipientID,
		OK:          err == nil,
		Detail:      req.detail,
	}
	req.noteMu.Unlock()
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := r.audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
