package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Locker is redis-backed mutual exclusion for singleton background work,
// currently the auto-recharge pool scan. Ownership is a random token: a
// crashed holder's lock simply expires with the TTL instead of needing
// manual cleanup.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

const lockKeyPrefix = "voltra:lock:"

// Release must only delete the key while the holder's token is still in it,
// so a lock that expired and was re-acquired elsewhere is never stolen.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
	}
}

// TryLock attempts to take the named lock for ttl. ok reports whether this
// caller now holds it; the returned token is the proof of ownership Release
// expects back.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("locker has no redis client")
	}
	if name == "" {
		return "", false, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the named lock if token still owns it. Stale tokens are a
// no-op.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if name == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{lockKeyPrefix + name}, token).Err()
}
