package admin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/htpi/admin-portal/internal/admin/admintest"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldFallback(t *testing.T) {
	assert.True(t, ShouldFallback(&bridge.RequestError{Topic: "x", Err: bridge.ErrBrokerUnavailable}))
	assert.True(t, ShouldFallback(&bridge.RequestError{Topic: "x", Err: bridge.ErrTimeout}))
	assert.True(t, ShouldFallback(bridge.ErrClosed))
	assert.False(t, ShouldFallback(&bridge.RequestError{Topic: "x", Err: &bridge.RejectedError{Message: "no"}}))
	assert.False(t, ShouldFallback(ErrInvalidInput))
	assert.False(t, ShouldFallback(nil))
}

func TestFallbackBackend(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryTenantCache()
	require.NoError(t, cache.PutTenants(ctx, Tenant{ID: "t1", Name: "Acme"}))
	f := NewFallbackBackend(cache)

	_, err := f.Login(ctx, Credentials{Email: "a@htpi.io", Password: "pw"})
	assert.True(t, bus.IsUnavailable(err))

	_, err = f.CreateTenant(ctx, TenantInput{Name: "x", Type: "clinic"})
	assert.True(t, bus.IsUnavailable(err))

	stats, err := f.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats)

	list, err := f.ListTenants(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, list.Tenants, 1)
	assert.Equal(t, "Acme", list.Tenants[0].Name)

	_, err = f.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	users, err := f.ListUsers(ctx, Page{})
	require.NoError(t, err)
	assert.NotNil(t, users.Users)
	assert.Equal(t, 20, users.Pagination.Limit)

	status, err := f.ServicesStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, status, len(DefaultServices))
	assert.False(t, status["claim"].Healthy)

	empty := NewFallbackBackend(nil)
	list, err = empty.ListTenants(ctx, Page{})
	require.NoError(t, err)
	assert.Empty(t, list.Tenants)
}

func TestResilientServesCachedTenantsWhenBrokerDown(t *testing.T) {
	ctx := context.Background()
	primary, svc, m := newTestBackend(t, WithTimeout(100*time.Millisecond))
	require.NoError(t, svc.Handle(TopicTenantsList, func(json.RawMessage) any {
		return admintest.OK(map[string]any{"tenants": []map[string]any{{"id": "t1", "name": "Acme"}, {"id": "t2", "name": "Beta"}}})
	}))
	require.NoError(t, svc.Handle(TopicTenantsCreate, func(json.RawMessage) any {
		return admintest.Fail("Tenant name already exists")
	}))

	cache := NewMemoryTenantCache()
	r := NewResilient(NewCacheWriter(primary, cache, nil), NewFallbackBackend(cache), nil)

	live, err := r.ListTenants(ctx, Page{})
	require.NoError(t, err)
	assert.Len(t, live.Tenants, 2)

	// rejections are answers, not outages
	_, err = r.CreateTenant(ctx, TenantInput{Name: "Acme", Type: "clinic"})
	assert.ErrorIs(t, err, bridge.ErrRejected)

	m.SetConnected(false)

	cached, err := r.ListTenants(ctx, Page{})
	require.NoError(t, err)
	assert.Equal(t, live.Tenants, cached.Tenants)

	tenant, err := r.GetTenant(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "Beta", tenant.Name)

	status, err := r.ServicesStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, UnreachableServices(), status)

	_, err = r.CreateTenant(ctx, TenantInput{Name: "Gamma", Type: "clinic"})
	assert.True(t, bus.IsUnavailable(err))

	_, err = r.Login(ctx, Credentials{Email: "a@htpi.io", Password: "pw"})
	assert.True(t, bus.IsUnavailable(err))
}

func TestResilientFallsBackOnTimeout(t *testing.T) {
	primary, svc, _ := newTestBackend(t, WithTimeout(50*time.Millisecond))
	require.NoError(t, svc.Handle(TopicDashboardStats, admintest.Silent))

	r := NewResilient(primary, NewFallbackBackend(nil), nil)
	stats, err := r.DashboardStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats)
}

func TestCacheWriterSkipsPartialUpdates(t *testing.T) {
	ctx := context.Background()
	primary, svc, _ := newTestBackend(t)
	require.NoError(t, svc.Handle(TopicTenantsUpdate, func(json.RawMessage) any {
		return admintest.OK(map[string]any{"id": "t1"})
	}))
	require.NoError(t, svc.Handle(TopicTenantsGet, func(json.RawMessage) any {
		return admintest.OK(map[string]any{"id": "t1", "name": "Acme"})
	}))

	cache := NewMemoryTenantCache()
	w := NewCacheWriter(primary, cache, nil)

	_, err := w.UpdateTenant(ctx, "t1", map[string]any{"status": "inactive"})
	require.NoError(t, err)
	_, err = cache.Tenant(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = w.GetTenant(ctx, "t1")
	require.NoError(t, err)
	cached, err := cache.Tenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", cached.Name)
}
