package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SnapshotCache stores permission snapshots for a bounded time
type SnapshotCache interface {
	Get(ctx context.Context, orgID, userID int64) (*Snapshot, bool, error)
	Set(ctx context.Context, snap *Snapshot) error
	// Invalidate drops one user's snapshot
	Invalidate(ctx context.Context, orgID, userID int64) error
	// InvalidateOrganization drops every snapshot of an organization
	InvalidateOrganization(ctx context.Context, orgID int64) error
	// Name labels the backend in metrics
	Name() string
}

func snapshotKey(orgID, userID int64) string {
	return fmt.Sprintf("%d:%d", orgID, userID)
}

// MemoryCache is an in-process LRU with per-entry expiry
type MemoryCache struct {
	lru *expirable.LRU[string, *Snapshot]
}

// NewMemoryCache creates a memory cache holding at most size snapshots for ttl each
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, *Snapshot](size, nil, ttl)}
}

// Get implements SnapshotCache
func (c *MemoryCache) Get(_ context.Context, orgID, userID int64) (*Snapshot, bool, error) {
	snap, ok := c.lru.Get(snapshotKey(orgID, userID))
	return snap, ok, nil
}

// Set implements SnapshotCache
func (c *MemoryCache) Set(_ context.Context, snap *Snapshot) error {
	c.lru.Add(snapshotKey(snap.OrganizationID, snap.UserID), snap)
	return nil
}

// Invalidate implements SnapshotCache
func (c *MemoryCache) Invalidate(_ context.Context, orgID, userID int64) error {
	c.lru.Remove(snapshotKey(orgID, userID))
	return nil
}

// InvalidateOrganization implements SnapshotCache
func (c *MemoryCache) InvalidateOrganization(_ context.Context, orgID int64) error {
	prefix := fmt.Sprintf("%d:", orgID)
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached snapshots
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Name implements SnapshotCache
func (c *MemoryCache) Name() string { return "memory" }

// RedisCache shares snapshots between engine instances. Every key embeds the
// organization's generation counter, so bumping the counter orphans all of
// the organization's snapshots at once; orphans expire with their TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a redis-backed snapshot cache
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "procurement:perm"}
}

func (c *RedisCache) generationKey(orgID int64) string {
	return fmt.Sprintf("%s:gen:%d", c.prefix, orgID)
}

func (c *RedisCache) generation(ctx context.Context, orgID int64) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(orgID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) key(ctx context.Context, orgID, userID int64) (string, error) {
	gen, err := c.generation(ctx, orgID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:snap:%d:%d:%d", c.prefix, orgID, gen, userID), nil
}

// Get implements SnapshotCache
func (c *RedisCache) Get(ctx context.Context, orgID, userID int64) (*Snapshot, bool, error) {
	key, err := c.key(ctx, orgID, userID)
	if err != nil {
		return nil, false, err
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// Set implements SnapshotCache
func (c *RedisCache) Set(ctx context.Context, snap *Snapshot) error {
	key, err := c.key(ctx, snap.OrganizationID, snap.UserID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Invalidate implements SnapshotCache
func (c *RedisCache) Invalidate(ctx context.Context, orgID, userID int64) error {
	key, err := c.key(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}
	return nil
}

// InvalidateOrganization implements SnapshotCache
func (c *RedisCache) InvalidateOrganization(ctx context.Context, orgID int64) error {
	if err := c.client.Incr(ctx, c.generationKey(orgID)).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}

// Name implements SnapshotCache
func (c *RedisCache) Name() string { return "redis" }
