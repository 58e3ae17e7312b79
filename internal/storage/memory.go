package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Used when storage is disabled and in tests.
type Memory struct {
	mu     sync.Mutex
	state  map[string][]byte
	audit  []AuditEntry
	closed bool

	// FailPut, when set, is returned by every PutState call.
	FailPut error
}

func NewMemory() *Memory { return &Memory{state: map[string][]byte{}} }

func (m *Memory) GetState(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) PutState(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailPut != nil {
		return m.FailPut
	}
	if err := checkKey(key); err != nil {
		return err
	}
	m.state[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e.stamp()
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
