package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DispatchLocker serializes dispatch passes for the same event across service
// instances. Losing the lock race is not a correctness problem (the store's
// conditional paid_out update still prevents double recording); it only avoids
// two passes burning transfer calls on the same work list.
type DispatchLocker interface {
	Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventID uuid.UUID)
}

var dispatchUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDispatchLocker implements DispatchLocker with a SET NX lease in Redis.
type RedisDispatchLocker struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

func NewRedisDispatchLocker(client redis.UniversalClient, prefix string) *RedisDispatchLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "parkloop:settlement_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisDispatchLocker{
		client: client,
		prefix: trimmedPrefix,
		owner:  uuid.NewString(),
	}
}

func (l *RedisDispatchLocker) key(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", l.prefix, eventID)
}

// Acquire takes the per-event lease if it is free. The TTL bounds how long a
// crashed pass can block the next one.
func (l *RedisDispatchLocker) Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return l.client.SetNX(ctx, l.key(eventID), l.owner, ttl).Result()
}

// Release drops the lease, but only if this instance still owns it.
func (l *RedisDispatchLocker) Release(ctx context.Context, eventID uuid.UUID) {
	if l == nil || l.client == nil {
		return
	}
	_ = dispatchUnlockScript.Run(ctx, l.client, []string{l.key(eventID)}, l.owner).Err()
}
