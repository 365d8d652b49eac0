package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deletes the key only while it still holds our token, so a lock that
// expired and was taken by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived named locks.
type Locker struct {
	client *Client
	logger *zap.Logger
}

// NewLocker creates a new locker.
func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Lock is a held lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// TryLock acquires name for ttl. ok is false when another holder has it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	lk := &Lock{
		client: l.client,
		key:    key("lock", name),
		token:  uuid.NewString(),
	}

	ok, err := l.client.rdb.SetNX(ctx, lk.key, lk.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Debug("lock held elsewhere", zap.String("lock", name))
		return nil, false, nil
	}

	return lk, true, nil
}

// Release frees the lock if it is still ours.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.client.rdb, []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
