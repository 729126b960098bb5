package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores opaque byte payloads with a TTL. Misses and backend errors
// are indistinguishable to callers; the cache is never authoritative.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns a process-local cache.
func NewMemory() Cache { return &memory{m: make(map[string]entry), now: time.Now} }

func (c *memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && c.now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
}

const redisOpTimeout = 500 * time.Millisecond

type redisCache struct {
	r      *redis.Client
	prefix string
}

// NewRedis returns a cache backed by redis at addr. Keys are namespaced under "ares:cache:".
func NewRedis(addr string, db int) Cache {
	return &redisCache{
		r:      redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: "ares:cache:",
	}
}

// New picks redis when addr is set and falls back to memory otherwise.
func New(addr string, db int) Cache {
	if addr != "" {
		return NewRedis(addr, db)
	}
	return NewMemory()
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	v, err := r.r.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	_ = r.r.Set(ctx, r.prefix+key, val, ttl).Err()
}
