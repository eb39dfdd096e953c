package sidestore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process KV for single-replica deployments and tests. Lease
// ownership has the same compare-owner semantics as the Redis scripts.
type Memory struct {
	mu     sync.Mutex
	items  map[string]memEntry
	leases map[string]memEntry
	now    func() time.Time
}

// NewMemory creates an empty in-process KV.
func NewMemory() *Memory {
	return &Memory{
		items:  make(map[string]memEntry),
		leases: make(map[string]memEntry),
		now:    time.Now,
	}
}

func (m *Memory) live(e memEntry, ok bool) bool {
	return ok && (e.expiresAt.IsZero() || m.now().Before(e.expiresAt))
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !m.live(e, ok) {
		delete(m.items, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[key]; m.live(e, ok) {
		return false, nil
	}
	e := memEntry{value: []byte(owner)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.leases[key] = e
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[key]
	if !m.live(e, ok) || string(e.value) != owner {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.leases[key] = e
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[key]; m.live(e, ok) && string(e.value) == owner {
		delete(m.leases, key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

var _ KV = (*Memory)(nil)
