// Package admin is the portal's view of the backend admin services. The bus
// backend talks to them through the request/reply bridge; the fallback
// backend serves read-only data when they cannot be reached.
package admin

import (
	"context"

	"github.com/htpi/admin-portal/internal/auth"
)

// Bus topics served by the admin services
const (
	TopicLogin          = "admin.auth.login"
	TopicLogout         = "admin.auth.logout"
	TopicDashboardStats = "admin.stats.dashboard"
	TopicTenantsList    = "admin.tenants.list"
	TopicTenantsGet     = "admin.tenants.get"
	TopicTenantsCreate  = "admin.tenants.create"
	TopicTenantsUpdate  = "admin.tenants.update"
	TopicUsersList      = "admin.users.list"
	TopicUsersCreate    = "admin.users.create"
	TopicServicesStatus = "admin.services.status"
	TopicAuditList      = "admin.audit.list"
	TopicHealthCheck    = "admin.health.check"
)

// Backend is every operation the portal asks of the admin services
type Backend interface {
	Login(ctx context.Context, creds Credentials) (auth.Identity, error)
	Logout(ctx context.Context, ident auth.Identity) error
	DashboardStats(ctx context.Context) (DashboardStats, error)
	ListTenants(ctx context.Context, page Page) (TenantList, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	CreateTenant(ctx context.Context, in TenantInput) (Tenant, error)
	UpdateTenant(ctx context.Context, id string, changes map[string]any) (Tenant, error)
	ListUsers(ctx context.Context, page Page) (UserList, error)
	CreateUser(ctx context.Context, in UserInput) (User, error)
	ServicesStatus(ctx context.Context) (ServicesStatus, error)
	AuditLogs(ctx context.Context, page Page) (AuditPage, error)
}

type actorKey struct{}

// WithActor attaches the identity on whose behalf a call is made
func WithActor(ctx context.Context, ident auth.Identity) context.Context {
	return context.WithValue(ctx, actorKey{}, ident)
}

// ActorFrom returns the identity attached by WithActor
func ActorFrom(ctx context.Context) (auth.Identity, bool) {
	ident, ok := ctx.Value(actorKey{}).(auth.Identity)
	return ident, ok && !ident.IsZero()
}
