package admin

import (
	"context"
	"errors"
	"log/slog"

	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
)

// Resilient serves reads from the fallback when the primary is unreachable
// or times out. Writes, login and logout always go to the primary.
type Resilient struct {
	primary  Backend
	fallback Backend
	logger   *slog.Logger
}

// NewResilient composes primary and fallback
func NewResilient(primary, fallback Backend, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{primary: primary, fallback: fallback, logger: logger}
}

// ShouldFallback reports whether a read failing with err may be served by
// the fallback
func ShouldFallback(err error) bool {
	return bus.IsUnavailable(err) || errors.Is(err, bridge.ErrTimeout) || errors.Is(err, bridge.ErrClosed)
}

func read[T any](ctx context.Context, r *Resilient, op string, primary, fallback func(context.Context) (T, error)) (T, error) {
	v, err := primary(ctx)
	if err == nil || !ShouldFallback(err) {
		return v, err
	}
	r.logger.Warn("admin services unreachable, serving fallback", "op", op, "error", err)
	return fallback(ctx)
}

func (r *Resilient) Login(ctx context.Context, creds Credentials) (auth.Identity, error) {
	return r.primary.Login(ctx, creds)
}

func (r *Resilient) Logout(ctx context.Context, ident auth.Identity) error {
	return r.primary.Logout(ctx, ident)
}

func (r *Resilient) DashboardStats(ctx context.Context) (DashboardStats, error) {
	return read(ctx, r, "dashboard", r.primary.DashboardStats, r.fallback.DashboardStats)
}

func (r *Resilient) ListTenants(ctx context.Context, page Page) (TenantList, error) {
	return read(ctx, r, "tenants.list",
		func(ctx context.Context) (TenantList, error) { return r.primary.ListTenants(ctx, page) },
		func(ctx context.Context) (TenantList, error) { return r.fallback.ListTenants(ctx, page) })
}

func (r *Resilient) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return read(ctx, r, "tenants.get",
		func(ctx context.Context) (Tenant, error) { return r.primary.GetTenant(ctx, id) },
		func(ctx context.Context) (Tenant, error) { return r.fallback.GetTenant(ctx, id) })
}

func (r *Resilient) CreateTenant(ctx context.Context, in TenantInput) (Tenant, error) {
	return r.primary.CreateTenant(ctx, in)
}

func (r *Resilient) UpdateTenant(ctx context.Context, id string, changes map[string]any) (Tenant, error) {
	return r.primary.UpdateTenant(ctx, id, changes)
}

func (r *Resilient) ListUsers(ctx context.Context, page Page) (UserList, error) {
	return read(ctx, r, "users.list",
		func(ctx context.Context) (UserList, error) { return r.primary.ListUsers(ctx, page) },
		func(ctx context.Context) (UserList, error) { return r.fallback.ListUsers(ctx, page) })
}

func (r *Resilient) CreateUser(ctx context.Context, in UserInput) (User, error) {
	return r.primary.CreateUser(ctx, in)
}

func (r *Resilient) ServicesStatus(ctx context.Context) (ServicesStatus, error) {
	return read(ctx, r, "services.status", r.primary.ServicesStatus, r.fallback.ServicesStatus)
}

func (r *Resilient) AuditLogs(ctx context.Context, page Page) (AuditPage, error) {
	return read(ctx, r, "audit.list",
		func(ctx context.Context) (AuditPage, error) { return r.primary.AuditLogs(ctx, page) },
		func(ctx context.Context) (AuditPage, error) { return r.fallback.AuditLogs(ctx, page) })
}
