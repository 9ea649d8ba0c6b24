// Package idempotency rejects replays of client requests that carry the
// same Idempotency-Key within a retention window.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateRequest is returned when a key was already accepted.
var ErrDuplicateRequest = errors.New("duplicate request")

// DefaultTTL is how long an accepted key is remembered.
const DefaultTTL = 24 * time.Hour

// Guard tracks request keys. Acquire claims a key; Release forgets it so a
// failed request can be retried with the same key.
type Guard interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Close() error
}

// Memory is an in-process Guard. Expired keys are swept on Acquire.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	keys      map[string]time.Time
	lastSweep time.Time
}

// NewMemory creates a Guard that remembers keys for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, keys: make(map[string]time.Time)}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Acquire(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) >= m.ttl {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
		m.lastSweep = now
	}

	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return ErrDuplicateRequest
	}
	m.keys[key] = now.Add(m.ttl)
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Len returns the number of remembered keys, expired ones included until
// the next sweep.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) Close() error { return nil }
