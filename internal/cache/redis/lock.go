package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// unlockLua releases a lock only when the stored token matches the caller's.
// Without the token check a holder whose TTL expired could delete the lock a
// later holder now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// unlockTimeout bounds the release call when the holder's own context is
// already gone.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager with SET NX plus a token-checked
// Lua release. Settlement uses it to serialize concurrent sells against the
// same trade; the TTL caps how long a crashed seller can keep a position
// frozen.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire takes the named lock for at most ttl and returns its release
// function. A second Acquire for the same name fails with domain.ErrLockHeld
// until the first release or TTL expiry. The release function may be called
// more than once.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := lm.client.Key("lock", name)

	ok, err := lm.client.Underlying().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Release on a fresh context; the sell that held this lock may have
		// been cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.client.Underlying(), []string{key}, token).Err()
	}
	return unlock, nil
}
