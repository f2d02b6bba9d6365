package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/hostline/internal/store"
)

// Cache holds tenant settings shared across calls. A miss is (nil, false,
// nil); errors are reserved for an unreachable backend.
type Cache interface {
	Get(ctx context.Context, tenantID string) (*store.TenantSettings, bool, error)
	Set(ctx context.Context, s *store.TenantSettings) error
	Invalidate(ctx context.Context, tenantID string) error
}

// ── Memory ──────────────────────────────────────────────────────────────────

type memoryEntry struct {
	settings store.TenantSettings
	expires  time.Time
}

// MemoryCache is a process-local TTL [Cache].
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates a MemoryCache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

var _ Cache = (*MemoryCache)(nil)

// Get implements [Cache]. The returned settings are a copy.
func (c *MemoryCache) Get(_ context.Context, tenantID string) (*store.TenantSettings, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tenantID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, tenantID)
		return nil, false, nil
	}
	s := e.settings
	return &s, true, nil
}

// Set implements [Cache].
func (c *MemoryCache) Set(_ context.Context, s *store.TenantSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.ID] = memoryEntry{settings: *s, expires: c.now().Add(c.ttl)}
	return nil
}

// Invalidate implements [Cache].
func (c *MemoryCache) Invalidate(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	return nil
}

// ── Redis ───────────────────────────────────────────────────────────────────

// keyPrefix namespaces cached settings in a shared Redis.
const keyPrefix = "hostline:tenant:"

// RedisCache shares tenant settings across replicas. Values are JSON.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a RedisCache on rdb.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

var _ Cache = (*RedisCache)(nil)

// Get implements [Cache].
func (c *RedisCache) Get(ctx context.Context, tenantID string) (*store.TenantSettings, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tenant: redis get: %w", err)
	}
	var s store.TenantSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt entry is treated as a miss and overwritten by the caller.
		return nil, false, nil
	}
	return &s, true, nil
}

// Set implements [Cache].
func (c *RedisCache) Set(ctx context.Context, s *store.TenantSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("tenant: marshal settings: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+s.ID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("tenant: redis set: %w", err)
	}
	return nil
}

// Invalidate implements [Cache].
func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.rdb.Del(ctx, keyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("tenant: redis del: %w", err)
	}
	return nil
}

// RedisConfig configures [OpenRedis].
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	PingTimeout time.Duration
}

// OpenRedis creates a Redis client and verifies connectivity with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("tenant: redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("tenant: redis ping: %w", err)
	}
	return rdb, nil
}
