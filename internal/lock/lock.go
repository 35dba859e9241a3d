package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is a keyed, non-blocking mutual-exclusion primitive on redis.
// A failed acquisition means someone else owns the key; callers skip,
// they never queue. Storage failures surface as acquisition failures.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock attempts a conditional insert with a TTL. It returns the owner
// token and true only if this call created the lock.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the lock only if the caller still owns it. Releasing a
// lock owned by someone else is a no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// CreateMarker sets a persistent "has this already fired" flag. Unlike
// TryLock it has no expiry and no owner; uniqueness of creation is the
// whole contract.
func (l *Locker) CreateMarker(ctx context.Context, key string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("lock client not configured")
	}
	if key == "" {
		return false, errors.New("marker key is empty")
	}
	return l.client.SetNX(ctx, key, "1", 0).Result()
}

// ClearMarker removes a one-shot marker so it can fire again.
func (l *Locker) ClearMarker(ctx context.Context, key string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" {
		return nil
	}
	return l.client.Del(ctx, key).Err()
}
