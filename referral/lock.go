/*
lock.go - Mutual-exclusion lock provider

PURPOSE:
  Abstracts the distributed lock used to serialize claim evaluation per
  (beneficiary, currency). Any implementation - external KV store,
  consensus service, or the in-process provider below for single-node
  deployments - must satisfy the same contract:

  - Acquire(resource, ttl) grants the lock to at most one holder at a
    time, returning ErrLockHeld on contention.
  - The lock expires after ttl so a crashed holder cannot block the
    resource indefinitely. Extend pushes the expiry out.
  - Release and Extend fail with ErrLockLost if the TTL already lapsed
    (another holder may own the resource by then).

IMPLEMENTATIONS:
  - MemoryLockProvider (below): single-process deployments and tests
  - lock/redislock:             Redis SET NX across processes

SEE ALSO:
  - balance.go: Acquires the claim lock with jittered backoff
*/
package referral

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LOCK PROVIDER CONTRACT
// =============================================================================

// Lock is a held mutual-exclusion lock.
type Lock interface {
	// Release frees the lock. ErrLockLost if no longer held.
	Release(ctx context.Context) error

	// Extend pushes the expiry ttl into the future. ErrLockLost if no
	// longer held.
	Extend(ctx context.Context, ttl time.Duration) error
}

// LockProvider hands out TTL-bounded exclusive locks keyed by an
// arbitrary resource string.
type LockProvider interface {
	// Acquire grants the lock or fails fast with ErrLockHeld.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (Lock, error)
}

// =============================================================================
// IN-PROCESS PROVIDER
// =============================================================================

// MemoryLockProvider satisfies the lock contract within one process.
type MemoryLockProvider struct {
	mu   sync.Mutex
	held map[string]memoryHold
}

type memoryHold struct {
	token   string
	expires time.Time
}

func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{held: make(map[string]memoryHold)}
}

func (p *MemoryLockProvider) Acquire(_ context.Context, resource string, ttl time.Duration) (Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.held[resource]; ok && time.Now().Before(h.expires) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	p.held[resource] = memoryHold{token: token, expires: time.Now().Add(ttl)}
	return &memoryLock{provider: p, resource: resource, token: token}, nil
}

type memoryLock struct {
	provider *MemoryLockProvider
	resource string
	token    string
}

func (l *memoryLock) Release(context.Context) error {
	p := l.provider
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.held[l.resource]
	if !ok || h.token != l.token || time.Now().After(h.expires) {
		return ErrLockLost
	}
	delete(p.held, l.resource)
	return nil
}

func (l *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	p := l.provider
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.held[l.resource]
	if !ok || h.token != l.token || time.Now().After(h.expires) {
		return ErrLockLost
	}
	p.held[l.resource] = memoryHold{token: l.token, expires: time.Now().Add(ttl)}
	return nil
}
