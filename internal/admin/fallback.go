package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
)

// errReadOnly marks writes refused by the fallback backend
var errReadOnly = fmt.Errorf("%w: admin services unreachable, read-only mode", bridge.ErrBrokerUnavailable)

// FallbackBackend serves what it can without the admin services: cached
// tenants, zeroed dashboard counters and every service reported unreachable.
// Login and writes fail with bridge.ErrBrokerUnavailable.
type FallbackBackend struct {
	cache TenantCache
}

// NewFallbackBackend creates a fallback backend. A nil cache serves empty
// tenant listings.
func NewFallbackBackend(cache TenantCache) *FallbackBackend {
	return &FallbackBackend{cache: cache}
}

func (f *FallbackBackend) Login(context.Context, Credentials) (auth.Identity, error) {
	return auth.Identity{}, errReadOnly
}

func (f *FallbackBackend) Logout(context.Context, auth.Identity) error {
	return nil
}

func (f *FallbackBackend) DashboardStats(context.Context) (DashboardStats, error) {
	return DashboardStats{}, nil
}

func (f *FallbackBackend) ListTenants(ctx context.Context, page Page) (TenantList, error) {
	if f.cache == nil {
		return paginateTenants(nil, page), nil
	}
	return f.cache.Tenants(ctx, page)
}

func (f *FallbackBackend) GetTenant(ctx context.Context, id string) (Tenant, error) {
	if f.cache == nil {
		return Tenant{}, ErrNotFound
	}
	t, err := f.cache.Tenant(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Tenant{}, fmt.Errorf("%w: tenant %s not cached", ErrNotFound, id)
	}
	return t, err
}

func (f *FallbackBackend) CreateTenant(context.Context, TenantInput) (Tenant, error) {
	return Tenant{}, errReadOnly
}

func (f *FallbackBackend) UpdateTenant(context.Context, string, map[string]any) (Tenant, error) {
	return Tenant{}, errReadOnly
}

func (f *FallbackBackend) ListUsers(_ context.Context, page Page) (UserList, error) {
	page = page.Normalize(DefaultPageSize)
	return UserList{Users: []User{}, Pagination: NewPagination(page, 0)}, nil
}

func (f *FallbackBackend) CreateUser(context.Context, UserInput) (User, error) {
	return User{}, errReadOnly
}

func (f *FallbackBackend) ServicesStatus(context.Context) (ServicesStatus, error) {
	return UnreachableServices(), nil
}

func (f *FallbackBackend) AuditLogs(_ context.Context, page Page) (AuditPage, error) {
	page = page.Normalize(DefaultAuditSize)
	return AuditPage{Logs: []AuditLog{}, Pagination: NewPagination(page, 0)}, nil
}
