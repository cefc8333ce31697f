package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TenantCache stores tenants seen in successful reads so the portal can keep
// listing them while the admin services are unreachable
type TenantCache interface {
	PutTenants(ctx context.Context, tenants ...Tenant) error
	Tenant(ctx context.Context, id string) (Tenant, error)
	Tenants(ctx context.Context, page Page) (TenantList, error)
}

// DefaultTenantKey is the redis hash holding cached tenants
const DefaultTenantKey = "portal:tenants"

// RedisTenantCache keeps tenants as JSON values in a redis hash keyed by id
type RedisTenantCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// RedisCacheOption configures the redis cache
type RedisCacheOption func(*RedisTenantCache)

// WithCacheKey overrides the hash key
func WithCacheKey(key string) RedisCacheOption {
	return func(c *RedisTenantCache) {
		c.key = key
	}
}

// WithCacheTTL expires the whole hash ttl after the last write
func WithCacheTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisTenantCache) {
		c.ttl = ttl
	}
}

// NewRedisTenantCache creates a cache on client
func NewRedisTenantCache(client redis.UniversalClient, opts ...RedisCacheOption) *RedisTenantCache {
	c := &RedisTenantCache{
		client: client,
		key:    DefaultTenantKey,
		ttl:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PutTenants implements TenantCache
func (c *RedisTenantCache) PutTenants(ctx context.Context, tenants ...Tenant) error {
	if len(tenants) == 0 {
		return nil
	}

	values := make([]any, 0, len(tenants)*2)
	for _, t := range tenants {
		if t.ID == "" {
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode tenant %s: %w", t.ID, err)
		}
		values = append(values, t.ID, data)
	}
	if len(values) == 0 {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key, values...)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache tenants: %w", err)
	}
	return nil
}

// Tenant implements TenantCache
func (c *RedisTenantCache) Tenant(ctx context.Context, id string) (Tenant, error) {
	data, err := c.client.HGet(ctx, c.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("read cached tenant: %w", err)
	}

	var t Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		return Tenant{}, fmt.Errorf("decode cached tenant %s: %w", id, err)
	}
	return t, nil
}

// Tenants implements TenantCache
func (c *RedisTenantCache) Tenants(ctx context.Context, page Page) (TenantList, error) {
	all, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return TenantList{}, fmt.Errorf("read cached tenants: %w", err)
	}

	tenants := make([]Tenant, 0, len(all))
	for id, raw := range all {
		var t Tenant
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// skip entries written by an incompatible version
			continue
		}
		if t.ID == "" {
			t.ID = id
		}
		tenants = append(tenants, t)
	}
	return paginateTenants(tenants, page), nil
}

// MemoryTenantCache is an in-process TenantCache for standalone runs
type MemoryTenantCache struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

// NewMemoryTenantCache creates an empty cache
func NewMemoryTenantCache() *MemoryTenantCache {
	return &MemoryTenantCache{tenants: make(map[string]Tenant)}
}

// PutTenants implements TenantCache
func (c *MemoryTenantCache) PutTenants(_ context.Context, tenants ...Tenant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tenants {
		if t.ID != "" {
			c.tenants[t.ID] = t
		}
	}
	return nil
}

// Tenant implements TenantCache
func (c *MemoryTenantCache) Tenant(_ context.Context, id string) (Tenant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// Tenants implements TenantCache
func (c *MemoryTenantCache) Tenants(_ context.Context, page Page) (TenantList, error) {
	c.mu.RLock()
	tenants := make([]Tenant, 0, len(c.tenants))
	for _, t := range c.tenants {
		tenants = append(tenants, t)
	}
	c.mu.RUnlock()
	return paginateTenants(tenants, page), nil
}

func paginateTenants(tenants []Tenant, page Page) TenantList {
	page = page.Normalize(DefaultPageSize)
	if tenants == nil {
		tenants = []Tenant{}
	}
	sort.Slice(tenants, func(i, j int) bool {
		if tenants[i].Name != tenants[j].Name {
			return tenants[i].Name < tenants[j].Name
		}
		return tenants[i].ID < tenants[j].ID
	})

	total := len(tenants)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return TenantList{
		Tenants:    tenants[start:end],
		Pagination: NewPagination(page, total),
	}
}
