package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ClosingLockKey builds the redis key guarding one closing bucket.
func ClosingLockKey(companyID int64, bucket string, from, to time.Time) string {
	return fmt.Sprintf("tax:closing:%d:%s:%s:%s:lock", companyID, bucket, from.Format(time.DateOnly), to.Format(time.DateOnly))
}

// CashBasisLockKey builds the redis key guarding the cash-basis mirrors of a move.
func CashBasisLockKey(moveID int64) string {
	return fmt.Sprintf("tax:cashbasis:%d:lock", moveID)
}

// Locker hands out exclusive redis locks owned by a random token.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

// NewLocker returns nil when client is nil.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, script: redis.NewScript(lockReleaseScript)}
}

// TryLock acquires key for ttl. The returned token is required to release it.
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

// Release deletes key only while it is still owned by token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// WithLock runs fn while holding key. ErrLocked is returned when another
// owner holds it.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, key)
	}
	defer func() {
		// release with a fresh context so a cancelled run still unlocks
		_ = l.Release(context.WithoutCancel(ctx), key, token)
	}()
	return fn(ctx)
}
