package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Snapshot is the resolved authorization state of one non-superuser
type Snapshot struct {
	Roles       []string            `json:"roles"`
	Permissions []Permission        `json:"permissions"`
	Sources     map[string][]string `json:"sources"` // permission name -> role names granting it
	ResolvedAt  time.Time           `json:"resolved_at"`

	// ValidUntil is the earliest expiry among the assignments and grants the
	// snapshot was built from. Nil when nothing it used expires.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Stale reports whether an edge the snapshot relies on has lapsed by now
func (s *Snapshot) Stale(now time.Time) bool {
	return s != nil && s.ValidUntil != nil && !s.ValidUntil.After(now)
}

// Cache stores snapshots keyed by user id
type Cache interface {
	Get(ctx context.Context, userID uuid.UUID) (*Snapshot, bool, error)
	Set(ctx context.Context, userID uuid.UUID, snap *Snapshot) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
	Backend() string
}

// MemoryCache is a process-local expirable LRU
type MemoryCache struct {
	lru *expirable.LRU[uuid.UUID, *Snapshot]
}

// NewMemoryCache creates an in-process cache holding at most size users for ttl
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[uuid.UUID, *Snapshot](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, userID uuid.UUID) (*Snapshot, bool, error) {
	snap, ok := c.lru.Get(userID)
	return snap, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, userID uuid.UUID, snap *Snapshot) error {
	c.lru.Add(userID, snap)
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	c.lru.Remove(userID)
	return nil
}

func (c *MemoryCache) InvalidateAll(_ context.Context) error {
	c.lru.Purge()
	return nil
}

func (c *MemoryCache) Backend() string { return "memory" }

// RedisCache shares snapshots between replicas. Invalidating everyone bumps a
// generation counter so stale keys are orphaned and expire on their own TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis backed cache
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "campusgate:perms"}
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.prefix+":gen").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) key(gen int64, userID uuid.UUID) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, userID)
}

func (c *RedisCache) Get(ctx context.Context, userID uuid.UUID) (*Snapshot, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache generation: %w", err)
	}

	data, err := c.client.Get(ctx, c.key(gen, userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached permissions: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached permissions: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID uuid.UUID, snap *Snapshot) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache generation: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	return c.client.Set(ctx, c.key(gen, userID), data, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache generation: %w", err)
	}
	return c.client.Del(ctx, c.key(gen, userID)).Err()
}

func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	return c.client.Incr(ctx, c.prefix+":gen").Err()
}

func (c *RedisCache) Backend() string { return "redis" }
