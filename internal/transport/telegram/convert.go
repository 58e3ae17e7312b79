package telegram

import (
	"errors"

	tele "gopkg.in/telebot.v4"

	kit "briefbot/internal/transport"
)

var errEmptyPhoto = errors.New("telegram: photo needs a path or a url")

func messageFromTele(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	switch m.Chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		out.IsGroup = true
	}
	if u := m.Sender; u != nil {
		out.FromID, out.FromUsername = u.ID, u.Username
	}
	return out
}

// photoSendable prefers the local file; a URL is handed to Telegram to
// fetch itself.
func photoSendable(p kit.Photo) (*tele.Photo, error) {
	var f tele.File
	switch {
	case p.IsLocal():
		f = tele.FromDisk(p.Path)
	case p.URL != "":
		f = tele.FromURL(p.URL)
	default:
		return nil, errEmptyPhoto
	}
	return &tele.Photo{File: f, Caption: p.Caption}, nil
}
