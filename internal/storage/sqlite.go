package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "briefbot/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const (
	upsertState = `INSERT INTO state(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	insertAudit = `INSERT INTO audit(at, request_id, actor_id, chat_id, thread_id, action, recipient_id, ok, attempts, err, detail)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// sqliteDSN sets the pragmas through the driver so every pooled connection
// gets them, not only the first.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: the sqlite driver needs storage.path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return &sqliteStore{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var have int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&have); err != nil {
		return err
	}
	if have >= schemaVersion {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetState(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var doc []byte
	switch err := s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&doc); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	return doc, nil
}

func (s *sqliteStore) PutState(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertState, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	e.stamp()
	_, err := s.db.ExecContext(ctx, insertAudit,
		e.At.UTC().Format(time.RFC3339Nano), optText(e.RequestID), e.ActorID, e.ChatID, e.ThreadID,
		e.Action, optText(e.RecipientID), e.OK, e.Attempts, optText(e.Error), optText(e.Detail),
	)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// optText stores blank strings as NULL.
func optText(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
