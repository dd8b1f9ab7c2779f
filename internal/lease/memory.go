package lease

import (
	"context"
	"sync"
	"time"

	"tracerun/pkg/domain"
)

type record struct {
	owner   string
	expires time.Time // zero means no expiry
}

func (r record) live(now time.Time) bool {
	return r.expires.IsZero() || now.Before(r.expires)
}

// Memory is an in-process Store. A ttl <= 0 makes the lease a strict mutex
// that never expires.
type Memory struct {
	mu     sync.Mutex
	leases map[domain.RunID]record
	now    func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		leases: make(map[domain.RunID]record),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Acquire(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[runID]; ok && cur.live(now) {
		return false, nil
	}
	m.leases[runID] = record{owner: owner, expires: expiry(now, ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, runID domain.RunID, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[runID]
	if !ok || cur.owner != owner || !cur.live(m.now()) {
		return false, nil
	}
	delete(m.leases, runID)
	return true, nil
}

func (m *Memory) Renew(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[runID]
	if !ok || cur.owner != owner || !cur.live(now) {
		return false, nil
	}
	cur.expires = expiry(now, ttl)
	m.leases[runID] = cur
	return true, nil
}

func (m *Memory) Holder(ctx context.Context, runID domain.RunID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[runID]
	if !ok || !cur.live(m.now()) {
		return "", nil
	}
	return cur.owner, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
