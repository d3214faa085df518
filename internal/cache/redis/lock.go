package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("redis: lock held by another instance")

// Deletes the key only when it still carries our token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Extends the TTL only when the key still carries our token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager hands out SETNX locks with a TTL.
type LockManager struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Lock is a held lock.
type Lock struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration

	once sync.Once
}

// Acquire takes key for ttl. It returns ErrLockHeld when another holder
// owns it.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := lm.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, errs.WrapErr(errs.ErrNetwork, err, "redis: acquire lock "+key)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{lm: lm, key: key, token: token, ttl: ttl}, nil
}

// Refresh extends the TTL. It returns ErrLockHeld once the lock was lost.
func (l *Lock) Refresh(ctx context.Context) error {
	n, err := l.lm.refreshSc.Run(ctx, l.lm.rdb, []string{lockKey(l.key)}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "redis: refresh lock "+l.key)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// KeepAlive refreshes at a third of the TTL until ctx is cancelled. It
// returns ErrLockHeld if the lock is lost in the meantime.
func (l *Lock) KeepAlive(ctx context.Context) error {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := l.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLockHeld) {
					return err
				}
				log.Warn().Err(err).Str("key", l.key).Msg("redis: lock refresh failed")
			}
		}
	}
}

// Release deletes the key if still ours. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{lockKey(l.key)}, l.token).Err(); err != nil {
			log.Warn().Err(err).Str("key", l.key).Msg("redis: release lock failed")
		}
	})
}
