// Package storage persists briefbot's state documents (schedule registry,
// runtime settings) and its append-only audit trail.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("storage: not found")
	ErrClosed     = errors.New("storage: closed")
	ErrInvalidKey = errors.New("storage: invalid state key")
)

// Store is implemented by every backend.
type Store interface {
	// GetState returns the document under key or ErrNotFound.
	GetState(ctx context.Context, key string) ([]byte, error)
	// PutState replaces the document under key.
	PutState(ctx context.Context, key string, value []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Config selects a backend. Driver is one of "memory" (also "" and
// "none"), "file" or "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// AuditEntry is one row of the audit trail: a delivery attempt, a fetch
// failure or an operator command.
type AuditEntry struct {
	At          time.Time `json:"at"`
	RequestID   string    `json:"request_id,omitempty"`
	ActorID     int64     `json:"actor_id,omitempty"`
	ChatID      int64     `json:"chat_id,omitempty"`
	ThreadID    int       `json:"thread_id,omitempty"`
	Action      string    `json:"action"`
	RecipientID string    `json:"recipient_id,omitempty"`
	OK          bool      `json:"ok"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"err,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

func (e *AuditEntry) stamp() {
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

// checkKey allows 1..64 chars of [a-z0-9_-], which keeps keys safe to use
// in file names.
func checkKey(key string) error {
	if n := len(key); n == 0 || n > 64 {
		return fmt.Errorf("%w %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w %q", ErrInvalidKey, key)
		}
	}
	return nil
}
