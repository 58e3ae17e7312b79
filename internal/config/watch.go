package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "briefbot/pkg/logx"
)

const (
	settleDelay    = 250 * time.Millisecond
	rewatchInitial = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherGone = errors.New("watcher channels closed")

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are seen. Events are coalesced for settleDelay before reloading,
// and a failing watcher is rebuilt with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	wait := rewatchInitial
	for {
		healthy, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			wait = rewatchInitial
		}
		pause := wait + rand.N(wait/2+1)
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", pause))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
		wait = min(wait*2, rewatchMax)
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. healthy
// reports whether the watcher got as far as delivering events.
func (m *Manager) watchOnce(ctx context.Context) (healthy bool, err error) {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	pending := false
	arm := func() {
		settle.Reset(settleDelay)
		pending = true
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherGone
			}
			healthy = true
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				arm()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return healthy, errWatcherGone
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch queue overflowed; reloading anyway")
				arm()
				continue
			}
			m.log.Warn("config watch error", logx.Err(werr))

		case <-settle.C:
			if !pending {
				continue
			}
			pending = false
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
