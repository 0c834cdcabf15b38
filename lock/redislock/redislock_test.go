package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/warp/referral-engine/referral"
)

// Requires a reachable Redis; set REDIS_ADDR to run.
func testProvider(t *testing.T) *Provider {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := Connect(context.Background(), addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestRedisLockMutualExclusion(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	resource := "test:" + uuid.NewString()

	lock, err := p.Acquire(ctx, resource, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, resource, time.Minute); !errors.Is(err, referral.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := p.Acquire(ctx, resource, time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestRedisLockExpiry(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	resource := "test:" + uuid.NewString()

	lock, err := p.Acquire(ctx, resource, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := p.Acquire(ctx, resource, time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := lock.Release(ctx); !errors.Is(err, referral.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestRedisLockExtend(t *testing.T) {
	p := testProvider(t)
	ctx := context.Background()
	resource := "test:" + uuid.NewString()

	lock, err := p.Acquire(ctx, resource, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, err := p.Acquire(ctx, resource, time.Minute); !errors.Is(err, referral.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld after extend, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
