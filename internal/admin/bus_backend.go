package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
)

// Requester is the bridge surface the bus backend needs
type Requester interface {
	RequestReply(ctx context.Context, topic string, payload any, timeout time.Duration) (*bridge.Reply, error)
	Publish(ctx context.Context, topic string, payload any, opts ...bridge.PublishOption) error
}

// BusBackend implements Backend with one request/reply per call
type BusBackend struct {
	bridge  Requester
	timeout time.Duration
	logger  *slog.Logger
}

// BusOption configures the bus backend
type BusOption func(*BusBackend)

// WithTimeout sets the per-request timeout. Zero uses the bridge default.
func WithTimeout(timeout time.Duration) BusOption {
	return func(b *BusBackend) {
		b.timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *BusBackend) {
		b.logger = logger
	}
}

// NewBusBackend creates a bus backend on top of r
func NewBusBackend(r Requester, opts ...BusOption) *BusBackend {
	b := &BusBackend{
		bridge: r,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// call performs one request and decodes data into out. A reply with
// success false becomes a *bridge.RejectedError.
func (b *BusBackend) call(ctx context.Context, topic string, payload map[string]any, out any) (*bridge.Reply, error) {
	if actor, ok := ActorFrom(ctx); ok {
		payload["requested_by"] = map[string]string{
			"id":     actor.UserID,
			"email":  actor.Email,
			"role":   actor.Role,
			"org_id": actor.OrgID,
		}
	}

	reply, err := b.bridge.RequestReply(ctx, topic, payload, b.timeout)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		b.logger.Debug("request rejected", "topic", topic, "correlationId", reply.CorrelationID, "error", err)
		return reply, &bridge.RequestError{Topic: topic, CorrelationID: reply.CorrelationID, Err: err}
	}
	if out != nil {
		if err := reply.Decode(out); err != nil {
			return reply, &bridge.RequestError{Topic: topic, CorrelationID: reply.CorrelationID, Err: err}
		}
	}
	return reply, nil
}

// Login implements Backend
func (b *BusBackend) Login(ctx context.Context, creds Credentials) (auth.Identity, error) {
	if err := creds.Validate(); err != nil {
		return auth.Identity{}, err
	}

	reply, err := b.call(ctx, TopicLogin, map[string]any{
		"email":    creds.Email,
		"password": creds.Password,
	}, nil)
	if err != nil {
		return auth.Identity{}, err
	}

	ident, err := auth.ParseIdentity(reply.UserPayload())
	if err != nil {
		return auth.Identity{}, &bridge.RequestError{
			Topic:         TopicLogin,
			CorrelationID: reply.CorrelationID,
			Err:           fmt.Errorf("%w: %w", bridge.ErrMalformedReply, err),
		}
	}
	return ident, nil
}

// Logout implements Backend. It is fire-and-forget.
func (b *BusBackend) Logout(ctx context.Context, ident auth.Identity) error {
	return b.bridge.Publish(ctx, TopicLogout, map[string]any{
		"user_id": ident.UserID,
		"email":   ident.Email,
	})
}

// DashboardStats implements Backend. Non super admins only see their own
// organization's numbers.
func (b *BusBackend) DashboardStats(ctx context.Context) (DashboardStats, error) {
	payload := map[string]any{}
	if actor, ok := ActorFrom(ctx); ok && !actor.IsSuperAdmin() {
		payload["org_id"] = actor.OrgID
	}

	var stats DashboardStats
	_, err := b.call(ctx, TopicDashboardStats, payload, &stats)
	return stats, err
}

// ListTenants implements Backend
func (b *BusBackend) ListTenants(ctx context.Context, page Page) (TenantList, error) {
	page = page.Normalize(DefaultPageSize)

	var list TenantList
	_, err := b.call(ctx, TopicTenantsList, map[string]any{"page": page.Page, "limit": page.Limit}, &list)
	if err != nil {
		return TenantList{}, err
	}
	if list.Pagination.Page == 0 {
		list.Pagination = NewPagination(page, list.Pagination.Total)
	}
	return list, nil
}

// GetTenant implements Backend
func (b *BusBackend) GetTenant(ctx context.Context, id string) (Tenant, error) {
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}

	var tenant Tenant
	_, err := b.call(ctx, TopicTenantsGet, map[string]any{"tenant_id": id}, &tenant)
	return tenant, err
}

// CreateTenant implements Backend
func (b *BusBackend) CreateTenant(ctx context.Context, in TenantInput) (Tenant, error) {
	if err := in.Validate(); err != nil {
		return Tenant{}, err
	}

	payload := map[string]any{
		"name":          in.Name,
		"type":          in.Type,
		"contact_email": in.ContactEmail,
		"contact_name":  in.ContactName,
		"contact_phone": in.ContactPhone,
	}
	if in.Address != nil {
		payload["address"] = in.Address
	}

	var tenant Tenant
	_, err := b.call(ctx, TopicTenantsCreate, payload, &tenant)
	return tenant, err
}

// UpdateTenant implements Backend
func (b *BusBackend) UpdateTenant(ctx context.Context, id string, changes map[string]any) (Tenant, error) {
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if len(changes) == 0 {
		return Tenant{}, fmt.Errorf("%w: no changes", ErrInvalidInput)
	}

	var tenant Tenant
	_, err := b.call(ctx, TopicTenantsUpdate, map[string]any{"tenant_id": id, "changes": changes}, &tenant)
	if err == nil && tenant.ID == "" {
		tenant.ID = id
	}
	return tenant, err
}

// ListUsers implements Backend
func (b *BusBackend) ListUsers(ctx context.Context, page Page) (UserList, error) {
	page = page.Normalize(DefaultPageSize)

	var list UserList
	_, err := b.call(ctx, TopicUsersList, map[string]any{"page": page.Page, "limit": page.Limit}, &list)
	if err != nil {
		return UserList{}, err
	}
	if list.Pagination.Page == 0 {
		list.Pagination = NewPagination(page, list.Pagination.Total)
	}
	return list, nil
}

// CreateUser implements Backend
func (b *BusBackend) CreateUser(ctx context.Context, in UserInput) (User, error) {
	if err := in.Validate(); err != nil {
		return User{}, err
	}

	payload := map[string]any{
		"email":  in.Email,
		"name":   in.Name,
		"role":   in.Role,
		"org_id": in.OrgID,
	}
	if in.Password != "" {
		payload["password"] = in.Password
	}

	var user User
	_, err := b.call(ctx, TopicUsersCreate, payload, &user)
	return user, err
}

// ServicesStatus implements Backend
func (b *BusBackend) ServicesStatus(ctx context.Context) (ServicesStatus, error) {
	var status ServicesStatus
	_, err := b.call(ctx, TopicServicesStatus, map[string]any{}, &status)
	return status, err
}

// AuditLogs implements Backend
func (b *BusBackend) AuditLogs(ctx context.Context, page Page) (AuditPage, error) {
	page = page.Normalize(DefaultAuditSize)

	var logs AuditPage
	_, err := b.call(ctx, TopicAuditList, map[string]any{"page": page.Page, "limit": page.Limit}, &logs)
	if err != nil {
		return AuditPage{}, err
	}
	if logs.Pagination.Page == 0 {
		logs.Pagination = NewPagination(page, logs.Pagination.Total)
	}
	return logs, nil
}
