package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"sync"
	"time"

	logx "briefbot/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager holds the committed config and fans reloads out to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	overlay   func(*Config)
	validator func(context.Context, *Config) error

	mu   sync.RWMutex
	cur  *Config
	sum  uint64
	subs []chan *Config
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetOverlay registers a mutation applied to every freshly parsed config,
// before validation.
func (m *Manager) SetOverlay(fn func(*Config)) { m.overlay = fn }

// SetValidator registers a check that runs after Validate on reloads. A
// reload it rejects is not committed.
func (m *Manager) SetValidator(fn func(context.Context, *Config) error) { m.validator = fn }

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Parse reads the file and applies the overlay. It does not validate.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	if m.overlay != nil {
		m.overlay(cfg)
	}
	return cfg, nil
}

// Load is the startup path: parse, validate and commit without publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.cur, m.sum = cfg, sum
	m.mu.Unlock()
}

// fingerprint hashes the canonical JSON form, so formatting-only edits of
// the file compare equal.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Reload re-reads the file. It returns true when a changed, valid config
// was committed and published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := fingerprint(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config reloaded", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%016x", sum)))
	return true, nil
}

// Subscribe returns a channel receiving each published config. A slow
// subscriber only ever misses stale configs, never the newest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped for a busy subscriber", logx.Int("pending", len(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one queued value if ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
