package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/session"
)

// Inbound events
const (
	EventLogin          = "auth:login"
	EventToken          = "auth:token"
	EventLogout         = "auth:logout"
	EventJoinRoom       = "room:join"
	EventLeaveRoom      = "room:leave"
	EventDashboardStats = "admin:stats:dashboard"
	EventTenantsList    = "admin:tenants:list"
	EventTenantsGet     = "admin:tenants:get"
	EventTenantsCreate  = "admin:tenants:create"
	EventTenantsUpdate  = "admin:tenants:update"
	EventUsersList      = "admin:users:list"
	EventUsersCreate    = "admin:users:create"
	EventServicesStatus = "admin:services:status"
	EventAuditList      = "admin:audit:list"
	EventHealthCheck    = "admin:health:check"
)

// Broadcast events and rooms
const (
	EventTenantCreated = "admin:tenants:created"
	EventTenantUpdated = "admin:tenants:updated"
	EventUserCreated   = "admin:users:created"
	EventHealthReport  = "admin:health:check:report"

	RoomTenants = "admin:tenants"
	RoomUsers   = "admin:users"

	tenantRoomPrefix = "tenant-updates:"
	adminRoomPrefix  = "admin:"
)

// TenantRoom is the room receiving updates of one tenant
func TenantRoom(tenantID string) string {
	return tenantRoomPrefix + tenantID
}

// CanJoin reports whether ident may join room. admin rooms need an admin
// role, tenant rooms need access to the tenant, anything else is refused.
func CanJoin(ident auth.Identity, room string) bool {
	switch {
	case strings.HasPrefix(room, adminRoomPrefix):
		return len(room) > len(adminRoomPrefix) && ident.IsAdmin()
	case strings.HasPrefix(room, tenantRoomPrefix):
		return ident.CanAccessOrg(strings.TrimPrefix(room, tenantRoomPrefix))
	default:
		return false
	}
}

type call struct {
	session  string
	in       Inbound
	identity auth.Identity
}

// bind decodes the event data into v. Missing data decodes as an empty object.
func (c *call) bind(v any) error {
	if len(c.in.Data) == 0 || string(c.in.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.in.Data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrBadFrame, err)
	}
	return nil
}

type route struct {
	public bool
	roles  []string
	handle func(ctx context.Context, c *call) (Response, error)
}

func (g *Gateway) buildRoutes() map[string]route {
	public := func(h func(context.Context, *call) (Response, error)) route {
		return route{public: true, handle: h}
	}
	authenticated := func(h func(context.Context, *call) (Response, error)) route {
		return route{handle: h}
	}
	adminOnly := func(h func(context.Context, *call) (Response, error)) route {
		return route{roles: []string{auth.RoleAdmin}, handle: h}
	}

	return map[string]route{
		EventLogin:          public(g.login),
		EventToken:          public(g.tokenLogin),
		EventLogout:         authenticated(g.logout),
		EventJoinRoom:       authenticated(g.joinRoom),
		EventLeaveRoom:      authenticated(g.leaveRoom),
		EventDashboardStats: authenticated(g.dashboardStats),
		EventTenantsList:    adminOnly(g.listTenants),
		EventTenantsGet:     adminOnly(g.getTenant),
		EventTenantsCreate:  adminOnly(g.createTenant),
		EventTenantsUpdate:  adminOnly(g.updateTenant),
		EventUsersList:      adminOnly(g.listUsers),
		EventUsersCreate:    adminOnly(g.createUser),
		EventServicesStatus: adminOnly(g.servicesStatus),
		EventAuditList:      adminOnly(g.auditLogs),
		EventHealthCheck:    adminOnly(g.healthCheck),
	}
}

func (g *Gateway) login(ctx context.Context, c *call) (Response, error) {
	var creds admin.Credentials
	if err := c.bind(&creds); err != nil {
		return Response{}, err
	}

	ident, err := g.backend.Login(ctx, creds)
	if err != nil {
		return Response{}, err
	}
	return g.authenticate(c.session, ident)
}

func (g *Gateway) tokenLogin(_ context.Context, c *call) (Response, error) {
	if g.tokens == nil {
		return Response{}, ErrTokensDisabled
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := c.bind(&body); err != nil {
		return Response{}, err
	}

	claims, err := g.tokens.Validate(body.Token)
	if err != nil {
		return Response{}, err
	}
	ident := claims.Identity()
	if err := g.registry.Authenticate(c.session, ident); err != nil {
		return Response{}, err
	}
	return Response{User: &ident}, nil
}

// authenticate marks the session logged in and issues a token when enabled
func (g *Gateway) authenticate(id string, ident auth.Identity) (Response, error) {
	resp := Response{User: &ident}
	if g.tokens != nil {
		token, expiresAt, err := g.tokens.Issue(ident)
		if err != nil {
			return Response{}, err
		}
		resp.Token = token
		resp.ExpiresAt = &expiresAt
	}
	if err := g.registry.Authenticate(id, ident); err != nil {
		return Response{}, err
	}
	g.logger.Info("session authenticated", "connectionId", id, "userId", ident.UserID, "role", ident.Role)
	return resp, nil
}

func (g *Gateway) logout(ctx context.Context, c *call) (Response, error) {
	if err := g.backend.Logout(ctx, c.identity); err != nil {
		g.logger.Warn("logout notification failed", "userId", c.identity.UserID, "error", err)
	}
	if err := g.registry.Deauthenticate(c.session); err != nil {
		return Response{}, err
	}
	return Response{}, nil
}

type roomRequest struct {
	Room string `json:"room"`
}

func (g *Gateway) joinRoom(_ context.Context, c *call) (Response, error) {
	var req roomRequest
	if err := c.bind(&req); err != nil {
		return Response{}, err
	}
	if req.Room == "" {
		return Response{}, fmt.Errorf("%w: room is required", admin.ErrInvalidInput)
	}
	if !CanJoin(c.identity, req.Room) {
		return Response{}, session.ErrForbidden
	}
	if err := g.registry.JoinRoom(c.session, req.Room); err != nil {
		return Response{}, err
	}
	return Response{Data: req}, nil
}

func (g *Gateway) leaveRoom(_ context.Context, c *call) (Response, error) {
	var req roomRequest
	if err := c.bind(&req); err != nil {
		return Response{}, err
	}
	if err := g.registry.LeaveRoom(c.session, req.Room); err != nil {
		return Response{}, err
	}
	return Response{Data: req}, nil
}

func (g *Gateway) dashboardStats(ctx context.Context, _ *call) (Response, error) {
	stats, err := g.backend.DashboardStats(ctx)
	return Response{Data: stats}, err
}

func (g *Gateway) listTenants(ctx context.Context, c *call) (Response, error) {
	var page admin.Page
	if err := c.bind(&page); err != nil {
		return Response{}, err
	}
	list, err := g.backend.ListTenants(ctx, page)
	return Response{Data: list}, err
}

type tenantRef struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

func (r tenantRef) id() string {
	if r.TenantID != "" {
		return r.TenantID
	}
	return r.ID
}

func (g *Gateway) getTenant(ctx context.Context, c *call) (Response, error) {
	var ref tenantRef
	if err := c.bind(&ref); err != nil {
		return Response{}, err
	}
	tenant, err := g.backend.GetTenant(ctx, ref.id())
	return Response{Data: tenant}, err
}

func (g *Gateway) createTenant(ctx context.Context, c *call) (Response, error) {
	var in admin.TenantInput
	if err := c.bind(&in); err != nil {
		return Response{}, err
	}
	tenant, err := g.backend.CreateTenant(ctx, in)
	if err != nil {
		return Response{}, err
	}
	g.Notify(EventTenantCreated, tenant, RoomTenants)
	return Response{Data: tenant}, nil
}

func (g *Gateway) updateTenant(ctx context.Context, c *call) (Response, error) {
	var req struct {
		tenantRef
		Changes map[string]any `json:"changes"`
	}
	if err := c.bind(&req); err != nil {
		return Response{}, err
	}
	tenant, err := g.backend.UpdateTenant(ctx, req.id(), req.Changes)
	if err != nil {
		return Response{}, err
	}
	g.Notify(EventTenantUpdated, tenant, RoomTenants, TenantRoom(tenant.ID))
	return Response{Data: tenant}, nil
}

func (g *Gateway) listUsers(ctx context.Context, c *call) (Response, error) {
	var page admin.Page
	if err := c.bind(&page); err != nil {
		return Response{}, err
	}
	list, err := g.backend.ListUsers(ctx, page)
	return Response{Data: list}, err
}

func (g *Gateway) createUser(ctx context.Context, c *call) (Response, error) {
	var in admin.UserInput
	if err := c.bind(&in); err != nil {
		return Response{}, err
	}
	user, err := g.backend.CreateUser(ctx, in)
	if err != nil {
		return Response{}, err
	}
	g.Notify(EventUserCreated, user, RoomUsers)
	return Response{Data: user}, nil
}

func (g *Gateway) servicesStatus(ctx context.Context, _ *call) (Response, error) {
	status, err := g.backend.ServicesStatus(ctx)
	return Response{Data: status}, err
}

func (g *Gateway) auditLogs(ctx context.Context, c *call) (Response, error) {
	var page admin.Page
	if err := c.bind(&page); err != nil {
		return Response{}, err
	}
	logs, err := g.backend.AuditLogs(ctx, page)
	return Response{Data: logs}, err
}
