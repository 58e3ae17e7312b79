// Package transport holds the chat-platform neutral types shared by the
// router, the briefing sink and the Telegram adapter.
package transport

import (
	"context"
	"fmt"
)

// Adapter is a running chat connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo, opt *SendOptions) (MessageRef, error)
}

// CommandMenuUpdater is implemented by adapters whose platform shows a
// command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event. Only text messages exist today.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target is where a reply to m should go, including its forum topic.
func (m *Message) Target() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// ChatTarget addresses a chat, or a topic inside a forum chat when
// ThreadID is set.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t == ChatTarget{} }

// Key is the persisted recipient identity: "tg:<chat>" or
// "tg:<chat>:<thread>".
func (t ChatTarget) Key() string {
	if t.ThreadID == 0 {
		return fmt.Sprintf("tg:%d", t.ChatID)
	}
	return fmt.Sprintf("tg:%d:%d", t.ChatID, t.ThreadID)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Photo is an image to send. Path names a local file and takes precedence
// over URL, which the platform downloads on its own.
type Photo struct {
	Path    string
	URL     string
	Caption string
}

func (p Photo) IsLocal() bool { return p.Path != "" }

type BotCommand struct {
	Command     string
	Description string
}
