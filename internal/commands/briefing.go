package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"briefbot/internal/briefing"
	kit "briefbot/internal/transport"
)

// Briefing is the service surface the chat commands drive.
type Briefing interface {
	SetTime(ctx context.Context, chat kit.ChatTarget, raw string) (briefing.TimeOfDay, error)
	Cancel(ctx context.Context, chat kit.ChatTarget) error
	ToggleEnabled(ctx context.Context) bool
	SendNow(ctx context.Context, chat kit.ChatTarget) (briefing.SendResult, error)
	List(now time.Time, indices ...int) []briefing.Listed
	Delete(ctx context.Context, index int) (briefing.Entry, error)
	Activate(ctx context.Context, index int, chat kit.ChatTarget) (briefing.Entry, error)
	SetTimezone(ctx context.Context, name string) (string, error)
	Status() briefing.Status
	Location() *time.Location
}

const sendNowTimeout = 2 * time.Minute

// BriefingCommands returns the chat commands backed by svc. now is the
// clock used for "next run" columns; nil means time.Now.
func BriefingCommands(svc Briefing, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	h := &briefingHandlers{svc: svc, now: now}
	return []Command{
		{
			Route:       "brief",
			Aliases:     []string{"今日简报"},
			Description: "立即发送今日简报到本群",
			Usage:       "/brief",
			Timeout:     sendNowTimeout,
			Audit:       true,
			Handle:      h.sendNow,
		},
		{
			Route:       "brief_time",
			Description: "设置本群每日简报时间",
			Usage:       "/brief_time HH:MM 或 HHMM",
			Audit:       true,
			Handle:      h.setTime,
		},
		{
			Route:       "brief_cancel",
			Description: "取消本群的定时简报",
			Usage:       "/brief_cancel",
			Audit:       true,
			Handle:      h.cancel,
		},
		{
			Route:       "brief_toggle",
			Description: "开启或关闭定时简报",
			Usage:       "/brief_toggle",
			Audit:       true,
			Handle:      h.toggle,
		},
		{
			Route:       "brief_list",
			Description: "查看定时简报列表",
			Usage:       "/brief_list [序号...]",
			Handle:      h.list,
		},
		{
			Route:       "brief_del",
			Description: "按序号删除定时简报",
			Usage:       "/brief_del 序号",
			Audit:       true,
			Handle:      h.del,
		},
		{
			Route:       "brief_up",
			Description: "在本群激活一条未激活的定时简报",
			Usage:       "/brief_up 序号",
			Audit:       true,
			Handle:      h.activate,
		},
		{
			Route:       "brief_tz",
			Description: "设置时区",
			Usage:       "/brief_tz Asia/Shanghai",
			Audit:       true,
			Handle:      h.timezone,
		},
		{
			Route:       "brief_status",
			Description: "查看简报服务状态",
			Usage:       "/brief_status",
			Handle:      h.status,
		},
	}
}

type briefingHandlers struct {
	svc Briefing
	now func() time.Time
}

func (h *briefingHandlers) sendNow(ctx context.Context, req *Request) error {
	_ = req.Reply(ctx, "正在获取今日简报...")
	res, err := h.svc.SendNow(ctx, req.Chat)
	req.Note(briefing.RecipientIDFor(req.Chat), fmt.Sprintf("attempts=%d local=%v", res.Attempts, res.Local))
	if err != nil {
		req.Handled()
		_ = req.Reply(ctx, "无法获取今日简报，请稍后再试。")
		return err
	}
	return nil
}

func (h *briefingHandlers) setTime(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "用法: /brief_time HH:MM 或 HHMM，例如 /brief_time 08:30")
	}
	tod, err := h.svc.SetTime(ctx, req.Chat, req.Args[0])
	if errors.Is(err, briefing.ErrInvalidTime) {
		return req.Reply(ctx, "时间格式无效，请使用 HH:MM 或 HHMM，例如 08:30 或 0830。")
	}
	if err != nil {
		return err
	}
	req.Note(briefing.RecipientIDFor(req.Chat), tod.String())
	msg := fmt.Sprintf("已设置本群每日 %s 发送简报（时区 %s）。", tod, h.svc.Status().Timezone)
	if !h.svc.Status().Enabled {
		msg += "\n注意: 定时简报当前处于关闭状态，使用 /brief_toggle 开启。"
	}
	return req.Reply(ctx, msg)
}

func (h *briefingHandlers) cancel(ctx context.Context, req *Request) error {
	err := h.svc.Cancel(ctx, req.Chat)
	if errors.Is(err, briefing.ErrNotScheduled) {
		return req.Reply(ctx, "本群没有设置定时简报。")
	}
	if err != nil {
		return err
	}
	req.Note(briefing.RecipientIDFor(req.Chat), "")
	return req.Reply(ctx, "已取消本群的定时简报。")
}

func (h *briefingHandlers) toggle(ctx context.Context, req *Request) error {
	on := h.svc.ToggleEnabled(ctx)
	req.Note("", fmt.Sprintf("enabled=%v", on))
	if on {
		return req.Reply(ctx, "定时简报已开启。")
	}
	return req.Reply(ctx, "定时简报已关闭。")
}

func (h *briefingHandlers) list(ctx context.Context, req *Request) error {
	indices, ok := parseIndices(req.Args)
	if !ok {
		return req.Reply(ctx, "用法: /brief_list [序号...]，例如 /brief_list 1 3")
	}
	rows := h.svc.List(h.now(), indices...)
	return req.ReplyHTML(ctx, FormatListing(rows, h.svc.Status(), len(indices) > 0))
}

func (h *briefingHandlers) del(ctx context.Context, req *Request) error {
	idx, ok := singleIndex(req.Args)
	if !ok {
		return req.Reply(ctx, "用法: /brief_del 序号（序号见 /brief_list）")
	}
	e, err := h.svc.Delete(ctx, idx)
	if errors.Is(err, briefing.ErrBadIndex) {
		return req.Reply(ctx, fmt.Sprintf("序号 %d 不存在，请先用 /brief_list 查看。", idx))
	}
	if err != nil {
		return err
	}
	req.Note(e.RecipientID, e.Time.String())
	return req.Reply(ctx, fmt.Sprintf("已删除 %s（%s）。", e.RecipientID, e.Time))
}

func (h *briefingHandlers) activate(ctx context.Context, req *Request) error {
	idx, ok := singleIndex(req.Args)
	if !ok {
		return req.Reply(ctx, "用法: /brief_up 序号（在目标群中发送）")
	}
	e, err := h.svc.Activate(ctx, idx, req.Chat)
	switch {
	case errors.Is(err, briefing.ErrBadIndex):
		return req.Reply(ctx, fmt.Sprintf("序号 %d 不存在，请先用 /brief_list 查看。", idx))
	case errors.Is(err, briefing.ErrAlreadyActive):
		return req.Reply(ctx, fmt.Sprintf("序号 %d 已处于激活状态。", idx))
	case err != nil:
		return err
	}
	req.Note(e.RecipientID, e.Time.String())
	return req.Reply(ctx, fmt.Sprintf("已在本群激活每日 %s 的简报。", e.Time))
}

func (h *briefingHandlers) timezone(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "当前时区: "+h.svc.Status().Timezone+"\n用法: /brief_tz Asia/Shanghai")
	}
	name, err := h.svc.SetTimezone(ctx, req.Args[0])
	if errors.Is(err, briefing.ErrInvalidTimezone) {
		return req.Reply(ctx, "未知时区: "+req.Args[0]+"（请使用 IANA 名称，例如 Asia/Shanghai）")
	}
	if err != nil {
		return err
	}
	req.Note("", name)
	return req.Reply(ctx, "时区已设置为 "+name+"。")
}

func (h *briefingHandlers) status(ctx context.Context, req *Request) error {
	return req.ReplyHTML(ctx, FormatStatus(h.svc.Status(), h.svc.Location()))
}

func singleIndex(args []string) (int, bool) {
	if len(args) != 1 {
		return 0, false
	}
	idx, ok := parseIndices(args)
	if !ok || len(idx) != 1 {
		return 0, false
	}
	return idx[0], true
}

var weekdayNames = [...]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}

// FormatListing renders the schedule listing. Row numbers are the indices
// /brief_del and /brief_up take.
func FormatListing(rows []briefing.Listed, st briefing.Status, filtered bool) string {
	if len(rows) == 0 {
		if filtered {
			return "没有匹配的序号。"
		}
		return "暂无定时简报。使用 /brief_time HH:MM 为本群设置。"
	}

	state := "已开启"
	if !st.Enabled {
		state = "已关闭"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>定时简报</b>（%s，时区 %s）\n", state, html.EscapeString(st.Timezone))

	section := ""
	for _, r := range rows {
		want := "已激活"
		if !r.Entry.Active() {
			want = "未激活（在目标群发送 /brief_up 序号 激活）"
		}
		if want != section {
			section = want
			fmt.Fprintf(&b, "\n<b>%s</b>\n", section)
		}
		fmt.Fprintf(&b, "%d. <code>%s</code> %s", r.Index, r.Entry.Time, html.EscapeString(r.Entry.RecipientID))
		if !r.Next.IsZero() {
			fmt.Fprintf(&b, " · 下次 %s %s", r.Next.Format("01-02 15:04"), weekdayNames[r.Next.Weekday()])
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatStatus(st briefing.Status, loc *time.Location) string {
	onOff := func(v bool) string {
		if v {
			return "是"
		}
		return "否"
	}
	var b strings.Builder
	b.WriteString("<b>简报服务状态</b>\n")
	fmt.Fprintf(&b, "启用: %s\n", onOff(st.Enabled))
	fmt.Fprintf(&b, "运行中: %s\n", onOff(st.Running))
	if st.Restarts > 0 {
		fmt.Fprintf(&b, "异常重启: %d 次\n", st.Restarts)
	}
	fmt.Fprintf(&b, "时区: %s\n", html.EscapeString(st.Timezone))
	if st.Calendar != "" {
		fmt.Fprintf(&b, "工作日: %s\n", html.EscapeString(st.Calendar))
	}
	fmt.Fprintf(&b, "定时: %d 已激活 / %d 未激活\n", st.Active, st.Inactive)
	fmt.Fprintf(&b, "今日已发送: %d\n", st.SentToday)
	fmt.Fprintf(&b, "调度状态: %s", st.State)
	if !st.LastTick.IsZero() {
		t := st.LastTick
		if loc != nil {
			t = t.In(loc)
		}
		fmt.Fprintf(&b, "（上次 %s）", t.Format("01-02 15:04:05"))
	}
	return b.String()
}
