package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	logx "briefbot/pkg/logx"
)

// fileStore keeps each state document in its own JSON file and the audit
// trail in a JSON Lines file, all named after the configured path:
//
//	<dir>/<stem>.<key>.json
//	<dir>/<stem>.audit.jsonl
type fileStore struct {
	fs   afero.Afero
	stem string
	log  logx.Logger

	mu    sync.Mutex
	audit afero.File
	enc   *json.Encoder
}

func openFileStore(fsys afero.Fs, path string, log logx.Logger) (*fileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: the file driver needs storage.path")
	}
	dir := filepath.Dir(path)
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{fs: afero.Afero{Fs: fsys}, stem: stem, log: log}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(stem+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.audit, s.enc = f, json.NewEncoder(f)
	log.Debug("file store opened", logx.String("stem", stem))
	return s, nil
}

func (s *fileStore) docPath(key string) string { return s.stem + "." + key + ".json" }

func (s *fileStore) GetState(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil, ErrClosed
	}
	b, err := s.fs.ReadFile(s.docPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// PutState writes to a sibling .tmp file and renames it over the document,
// so readers never observe a partial write.
func (s *fileStore) PutState(_ context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	dst := s.docPath(key)
	tmp := dst + ".tmp"
	if err := s.writeSynced(tmp, value); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return s.fs.Rename(tmp, dst)
}

func (s *fileStore) writeSynced(name string, data []byte) error {
	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	return errors.Join(err, f.Close())
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	e.stamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return s.enc.Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.audit
	s.audit, s.enc = nil, nil
	if f == nil {
		return nil
	}
	return f.Close()
}
