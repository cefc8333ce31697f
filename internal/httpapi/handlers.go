package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/gateway"
)

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

func bindPage(c *gin.Context) (admin.Page, error) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		return admin.Page{}, fmt.Errorf("%w: page and limit must be numbers", admin.ErrInvalidInput)
	}
	return admin.Page{Page: q.Page, Limit: q.Limit}, nil
}

func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: request body must be a JSON object", admin.ErrInvalidInput)
	}
	return nil
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gateway.Response{Success: true, Data: data})
}

func (s *Server) login(c *gin.Context) {
	var creds admin.Credentials
	if err := bindJSON(c, &creds); err != nil {
		s.fail(c, err)
		return
	}

	ident, err := s.backend.Login(c.Request.Context(), creds)
	if err != nil {
		s.fail(c, err)
		return
	}

	token, expiresAt, err := s.tokens.Issue(ident)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("user logged in", "userId", ident.UserID, "role", ident.Role)
	c.JSON(http.StatusOK, gateway.Response{
		Success:   true,
		User:      &ident,
		Token:     token,
		ExpiresAt: &expiresAt,
	})
}

func (s *Server) logout(c *gin.Context) {
	ident := identity(c)
	if err := s.backend.Logout(c.Request.Context(), ident); err != nil {
		s.logger.Warn("logout notification failed", "userId", ident.UserID, "error", err)
	}
	ok(c, nil)
}

func (s *Server) me(c *gin.Context) {
	ident := identity(c)
	c.JSON(http.StatusOK, gateway.Response{Success: true, User: &ident})
}

func (s *Server) dashboard(c *gin.Context) {
	stats, err := s.backend.DashboardStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, stats)
}

func (s *Server) listTenants(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	list, err := s.backend.ListTenants(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, list)
}

func (s *Server) getTenant(c *gin.Context) {
	tenant, err := s.backend.GetTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, tenant)
}

func (s *Server) createTenant(c *gin.Context) {
	var in admin.TenantInput
	if err := bindJSON(c, &in); err != nil {
		s.fail(c, err)
		return
	}
	tenant, err := s.backend.CreateTenant(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.notifier.Notify(gateway.EventTenantCreated, tenant, gateway.RoomTenants)
	c.JSON(http.StatusCreated, gateway.Response{Success: true, Data: tenant})
}

func (s *Server) updateTenant(c *gin.Context) {
	var changes map[string]any
	if err := bindJSON(c, &changes); err != nil {
		s.fail(c, err)
		return
	}
	tenant, err := s.backend.UpdateTenant(c.Request.Context(), c.Param("id"), changes)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.notifier.Notify(gateway.EventTenantUpdated, tenant, gateway.RoomTenants, gateway.TenantRoom(tenant.ID))
	ok(c, tenant)
}

func (s *Server) listUsers(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	list, err := s.backend.ListUsers(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, list)
}

func (s *Server) createUser(c *gin.Context) {
	var in admin.UserInput
	if err := bindJSON(c, &in); err != nil {
		s.fail(c, err)
		return
	}
	user, err := s.backend.CreateUser(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.notifier.Notify(gateway.EventUserCreated, user, gateway.RoomUsers)
	c.JSON(http.StatusCreated, gateway.Response{Success: true, Data: user})
}

func (s *Server) servicesStatus(c *gin.Context) {
	status, err := s.backend.ServicesStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, status)
}

func (s *Server) auditLogs(c *gin.Context) {
	page, err := bindPage(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	logs, err := s.backend.AuditLogs(c.Request.Context(), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, logs)
}
