package telegram

import (
	"context"
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "briefbot/internal/transport"
	logx "briefbot/pkg/logx"
)

const (
	menuMaxEntries = 100
	menuMaxDesc    = 256
)

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(o.ParseMode),
		DisableWebPagePreview: o.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, part := range splitText(text, textLimit, o.ParseMode) {
		msg, err := a.deliver(ctx, to, part, send)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = refOf(to, msg)
		}
	}
	return first, nil
}

// SendPhoto sends one image with its caption.
func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, p kit.Photo, opt *kit.SendOptions) (kit.MessageRef, error) {
	photo, err := photoSendable(p)
	if err != nil {
		return kit.MessageRef{}, err
	}
	send := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		send.ParseMode = tele.ParseMode(opt.ParseMode)
	}
	msg, err := a.deliver(ctx, to, photo, send)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return refOf(to, msg), nil
}

// deliver waits for the rate limiter and performs one Bot API call.
func (a *Adapter) deliver(ctx context.Context, to kit.ChatTarget, what any, opt *tele.SendOptions) (*tele.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.bot.Send(&tele.Chat{ID: to.ChatID}, what, opt)
}

func refOf(to kit.ChatTarget, m *tele.Message) kit.MessageRef {
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if m != nil {
		ref.MessageID = m.ID
	}
	return ref
}

// UpdateMenuCommands calls setMyCommands, skipping the call when the menu
// is unchanged since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.lastMenu != nil && slices.Equal(menu, a.lastMenu) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.lastMenu = menu
	a.log.Info("bot menu published", logx.Int("entries", len(menu)))
	return nil
}

// menuCommands drops nameless entries and fits the rest into Telegram's
// limits on entry count and description length.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	menu := make([]tele.Command, 0, min(len(cmds), menuMaxEntries))
	for _, c := range cmds {
		if len(menu) == menuMaxEntries {
			break
		}
		if c.Command == "" {
			continue
		}
		desc := []rune(c.Description)
		if len(desc) == 0 {
			desc = []rune(c.Command)
		}
		if len(desc) > menuMaxDesc {
			desc = desc[:menuMaxDesc]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: string(desc)})
	}
	return menu
}
