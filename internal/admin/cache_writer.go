package admin

import (
	"context"
	"log/slog"
	"time"
)

// CacheWriter records tenants returned by successful calls into a cache.
// Cache failures are logged and never fail the call.
type CacheWriter struct {
	Backend
	cache  TenantCache
	logger *slog.Logger
}

// NewCacheWriter wraps next
func NewCacheWriter(next Backend, cache TenantCache, logger *slog.Logger) *CacheWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheWriter{Backend: next, cache: cache, logger: logger}
}

func (c *CacheWriter) ListTenants(ctx context.Context, page Page) (TenantList, error) {
	list, err := c.Backend.ListTenants(ctx, page)
	if err == nil {
		c.store(ctx, list.Tenants...)
	}
	return list, err
}

func (c *CacheWriter) GetTenant(ctx context.Context, id string) (Tenant, error) {
	t, err := c.Backend.GetTenant(ctx, id)
	if err == nil {
		c.store(ctx, t)
	}
	return t, err
}

func (c *CacheWriter) CreateTenant(ctx context.Context, in TenantInput) (Tenant, error) {
	t, err := c.Backend.CreateTenant(ctx, in)
	if err == nil {
		c.store(ctx, t)
	}
	return t, err
}

func (c *CacheWriter) UpdateTenant(ctx context.Context, id string, changes map[string]any) (Tenant, error) {
	t, err := c.Backend.UpdateTenant(ctx, id, changes)
	// the reply may carry only the id, which would wipe the cached copy
	if err == nil && t.Name != "" {
		c.store(ctx, t)
	}
	return t, err
}

func (c *CacheWriter) store(ctx context.Context, tenants ...Tenant) {
	if len(tenants) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.cache.PutTenants(ctx, tenants...); err != nil {
		c.logger.Warn("failed to cache tenants", "count", len(tenants), "error", err)
	}
}
