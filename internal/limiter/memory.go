package limiter

import (
	"context"
	"sync"
	"time"
)

type attempts struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory keeps counters in process. It backs the stub server when no database is configured.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	pairs map[string]attempts
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{policy: p, now: time.Now, pairs: make(map[string]attempts)}
}

func pairKey(telephone string, ipHash []byte) string {
	return telephone + "\x00" + string(ipHash)
}

func (m *Memory) Allow(_ context.Context, telephone string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.pairs[pairKey(telephone, ipHash)]
	if now := m.now(); a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, telephone string, ipHash []byte) error {
	m.mu.Lock()
	delete(m.pairs, pairKey(telephone, ipHash))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Failure(_ context.Context, telephone string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := pairKey(telephone, ipHash)
	a := m.pairs[k]
	if now.Sub(a.updatedAt) > m.policy.Window {
		a.fails = 0
	}
	a.fails++
	a.updatedAt = now
	blocked := a.fails >= m.policy.MaxFails
	if blocked {
		a.blockedUntil = now.Add(m.policy.BlockFor)
	}
	m.pairs[k] = a
	if blocked {
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}
