// Package lock implements exclusive, expiring resource locks on Redis.
//
// A lock is a single key holding a random token with a TTL. Acquisition is one
// SET NX PX round-trip; release and extension are server-side scripts that
// compare the token before acting, so a holder can never release or extend a
// lock that expired and was re-acquired by someone else.
//
// There is no fencing token here. A holder that pauses past its TTL can race a
// new holder; callers that need fencing attach a generation at a higher layer.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "dialer"
	}
	return &Locker{rdb: rdb, prefix: prefix + ":lock:"}
}

func (l *Locker) key(resource string) string {
	return l.prefix + resource
}

// Acquire takes the lock for resource if no unexpired lock exists. On success
// it returns the fresh holder token. A refused acquisition is ok=false with a
// nil error; a store failure is ok=false with the error.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock %s: ttl must be positive", resource)
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock only if token is the current holder.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(resource)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	return n == 1, nil
}

// Extend re-applies ttl only if token is still the current holder.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if token == "" || ttl <= 0 {
		return false, nil
	}
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key(resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", resource, err)
	}
	return n == 1, nil
}

// Holder returns the current token for resource, or "" when unlocked.
func (l *Locker) Holder(ctx context.Context, resource string) (string, error) {
	v, err := l.rdb.Get(ctx, l.key(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("holder %s: %w", resource, err)
	}
	return v, nil
}
