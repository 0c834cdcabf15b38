/*
Package redislock implements the referral lock contract on Redis.

PURPOSE:
  Serializes claim evaluation across processes. Acquisition is a single
  SET key token NX PX ttl; release and extend run small Lua scripts that
  verify the stored token first, so an expired lock re-acquired by
  someone else is never released or extended by the old holder.

USAGE:
  client, _ := redislock.Connect(ctx, "redis://localhost:6379/0")
  locks := redislock.New(client)
  aggregator := referral.NewAggregator(rewards, claims, locks, logger)

The provider fails fast with referral.ErrLockHeld on contention; retry
policy (jittered backoff, budget) lives with the caller.
*/
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/referral-engine/referral"
)

const keyPrefix = "referral:lock:"

// Token-checked release: delete only if we still own the key.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Token-checked extend: push the expiry only if we still own the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Connect opens a Redis client from either a redis:// URL or a bare
// host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if opt, err := redis.ParseURL(redisURL); err == nil {
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Provider implements referral.LockProvider on a Redis client.
type Provider struct {
	client *redis.Client
}

func New(client *redis.Client) *Provider {
	return &Provider{client: client}
}

var _ referral.LockProvider = (*Provider)(nil)

func (p *Provider) Acquire(ctx context.Context, resource string, ttl time.Duration) (referral.Lock, error) {
	token := uuid.NewString()
	ok, err := p.client.SetNX(ctx, keyPrefix+resource, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, referral.ErrLockHeld
	}
	return &lock{client: p.client, key: keyPrefix + resource, token: token}, nil
}

type lock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return referral.ErrLockLost
	}
	return nil
}

func (l *lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return referral.ErrLockLost
	}
	return nil
}
