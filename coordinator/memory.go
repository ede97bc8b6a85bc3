package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps leases in process memory. It enforces the cap only among pools
// sharing this value, which makes it suitable for single-process deployments
// and tests.
type Memory struct {
	mu     sync.Mutex
	limit  int
	ttl    time.Duration
	now    func() time.Time
	leases map[string]map[string]time.Time // key → lease id → expiry
}

// MemoryOption configures a Memory coordinator.
type MemoryOption func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a coordinator allowing limit live leases per key.
func NewMemory(limit int, ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		limit:  limit,
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) TryReserve(_ context.Context, key string) (Lease, bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.expireLocked(key, now)
	if len(live) >= m.limit {
		return Lease{}, false, nil
	}
	if live == nil {
		live = make(map[string]time.Time)
		m.leases[key] = live
	}
	id := uuid.NewString()
	live[id] = now.Add(m.ttl)
	return Lease{Key: key, ID: id}, true, nil
}

func (m *Memory) Release(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if live, ok := m.leases[lease.Key]; ok {
		delete(live, lease.ID)
		if len(live) == 0 {
			delete(m.leases, lease.Key)
		}
	}
	return nil
}

func (m *Memory) Renew(_ context.Context, lease Lease) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.expireLocked(lease.Key, now)
	if _, ok := live[lease.ID]; !ok {
		return ErrLeaseNotFound
	}
	live[lease.ID] = now.Add(m.ttl)
	return nil
}

func (m *Memory) GlobalCount(_ context.Context, key string) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.expireLocked(key, now)), nil
}

func (m *Memory) Close() error { return nil }

// expireLocked drops leases whose TTL ran out and returns what is left.
func (m *Memory) expireLocked(key string, now time.Time) map[string]time.Time {
	live, ok := m.leases[key]
	if !ok {
		return nil
	}
	for id, expiry := range live {
		if !now.Before(expiry) {
			delete(live, id)
		}
	}
	return live
}
