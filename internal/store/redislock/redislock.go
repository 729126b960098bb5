// Package redislock implements store.Locker on a shared redis instance so
// several hosts can run the scheduler against one index.
package redislock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/store"
)

const (
	// DefaultKey is the redis key holding the rebalance lock.
	DefaultKey = "ares:rebalance.lock"
	// RunGuardKey holds the claim of the governance run currently writing.
	RunGuardKey = "ares:run.lock"
)

const (
	// KEYS[1] lock, ARGV[1] expected value, ARGV[2] new value, ARGV[3] ttl ms
	compareAndSwapScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3]) return 1 end return 0`
	// KEYS[1] lock, ARGV[1] expected value
	compareAndDeleteScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`
)

// Locker stores the lock as JSON with a TTL matching its NextAllowedAt.
type Locker struct {
	client redis.Cmdable
	key    string
}

// New wraps an existing client.
func New(client redis.Cmdable, key string) *Locker {
	if key == "" {
		key = DefaultKey
	}
	return &Locker{client: client, key: key}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, db int, key string) (*Locker, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, domain.ConfigurationError("redis lock", err, "cannot reach redis at %s", addr)
	}
	return New(c, key), nil
}

// WithKey returns a locker sharing l's client on another key.
func (l *Locker) WithKey(key string) *Locker {
	return New(l.client, key)
}

func encode(lock domain.RebalanceLock) (string, error) {
	b, err := json.Marshal(lock)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (l *Locker) get(ctx context.Context) (string, *domain.RebalanceLock, error) {
	raw, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("redis get %s: %w", l.key, err)
	}
	var lock domain.RebalanceLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return "", nil, domain.IntegrityError("read rebalance lock", err, "corrupt lock value in %s", l.key)
	}
	return raw, &lock, nil
}

func (l *Locker) Acquire(ctx context.Context, lock domain.RebalanceLock, now time.Time) error {
	ttl := lock.NextAllowedAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("lock for run %s is already expired", lock.RunID)
	}
	val, err := encode(lock)
	if err != nil {
		return err
	}

	ok, err := l.client.SetNX(ctx, l.key, val, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	if ok {
		return nil
	}

	raw, held, err := l.get(ctx)
	if err != nil {
		return err
	}
	if held == nil {
		return domain.GovernanceViolation("lock", domain.ErrLockHeld, "retry", "rebalance lock changed during acquire")
	}
	if !held.Expired(now) {
		return store.LockHeld(*held)
	}

	swapped, err := l.client.Eval(ctx, compareAndSwapScript, []string{l.key}, raw, val, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis takeover %s: %w", l.key, err)
	}
	if swapped != 1 {
		return domain.GovernanceViolation("lock", domain.ErrLockHeld, "retry", "expired rebalance lock was taken over by another run")
	}
	log.Info().Str("previous_run", held.RunID).Msg("Replaced expired rebalance lock")
	return nil
}

func (l *Locker) Commit(ctx context.Context, lock domain.RebalanceLock) error {
	raw, held, err := l.get(ctx)
	if err != nil {
		return err
	}
	if held == nil || held.RunID != lock.RunID {
		return store.LockNotOwned(lock.RunID, held)
	}

	val, err := encode(lock)
	if err != nil {
		return err
	}
	ttl := lock.NextAllowedAt.Sub(lock.RebalancedAt)
	swapped, err := l.client.Eval(ctx, compareAndSwapScript, []string{l.key}, raw, val, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis commit %s: %w", l.key, err)
	}
	if swapped != 1 {
		return store.LockNotOwned(lock.RunID, nil)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, runID string) error {
	raw, held, err := l.get(ctx)
	if err != nil || held == nil {
		return err
	}
	if held.RunID != runID || held.State != domain.LockPending {
		return nil
	}
	if err := l.client.Eval(ctx, compareAndDeleteScript, []string{l.key}, raw).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}

func (l *Locker) Current(ctx context.Context) (*domain.RebalanceLock, error) {
	_, held, err := l.get(ctx)
	return held, err
}

func (l *Locker) Clear(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}

var _ store.Locker = (*Locker)(nil)
