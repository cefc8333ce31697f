package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/htpi/admin-portal/internal/auth"
)

// Default page sizes
const (
	DefaultPageSize  = 20
	DefaultAuditSize = 50
	MaxPageSize      = 200
)

var (
	// ErrInvalidInput is returned for requests that fail validation before
	// reaching the bus
	ErrInvalidInput = errors.New("admin: invalid input")
	// ErrNotFound is returned by caches for unknown ids
	ErrNotFound = errors.New("admin: not found")
)

// Credentials are the login form fields
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the credentials are present
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	return nil
}

// Page selects a page of a listing
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize clamps the page to sane values, using def as the default limit
func (p Page) Normalize(def int) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = def
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Offset returns the index of the first item on the page
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pagination describes a returned page
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes page counts for total items
func NewPagination(p Page, total int) Pagination {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Pagination{Page: p.Page, Limit: p.Limit, Total: total, Pages: pages}
}

// DashboardStats are the dashboard counters. Missing fields stay zero.
type DashboardStats struct {
	TotalTenants   int `json:"total_tenants"`
	TotalUsers     int `json:"total_users"`
	TotalPatients  int `json:"total_patients"`
	TotalClaims    int `json:"total_claims"`
	PendingClaims  int `json:"pending_claims"`
	ApprovedClaims int `json:"approved_claims"`
	DeniedClaims   int `json:"denied_claims"`
}

// Address is a postal address
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// Tenant is a customer organization
type Tenant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	Status       string   `json:"status,omitempty"`
	ContactEmail string   `json:"contact_email,omitempty"`
	ContactName  string   `json:"contact_name,omitempty"`
	ContactPhone string   `json:"contact_phone,omitempty"`
	Address      *Address `json:"address,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// TenantList is one page of tenants
type TenantList struct {
	Tenants    []Tenant   `json:"tenants"`
	Pagination Pagination `json:"pagination"`
}

// UnmarshalJSON accepts both the current shape and the older one with
// "organizations" and a top-level "total"
func (l *TenantList) UnmarshalJSON(data []byte) error {
	var wire struct {
		Tenants       []Tenant    `json:"tenants"`
		Organizations []Tenant    `json:"organizations"`
		Total         *int        `json:"total"`
		Pagination    *Pagination `json:"pagination"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	l.Tenants = wire.Tenants
	if l.Tenants == nil {
		l.Tenants = wire.Organizations
	}
	if wire.Pagination != nil {
		l.Pagination = *wire.Pagination
	}
	if wire.Total != nil && l.Pagination.Total == 0 {
		l.Pagination.Total = *wire.Total
	}
	return nil
}

// TenantInput is the create-tenant form
type TenantInput struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	ContactEmail string   `json:"contact_email"`
	ContactName  string   `json:"contact_name,omitempty"`
	ContactPhone string   `json:"contact_phone,omitempty"`
	Address      *Address `json:"address,omitempty"`
}

// Validate checks required fields
func (in TenantInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	if in.ContactEmail != "" {
		if _, err := mail.ParseAddress(in.ContactEmail); err != nil {
			return fmt.Errorf("%w: contact_email is not a valid address", ErrInvalidInput)
		}
	}
	return nil
}

// User is a portal or tenant user
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
}

// UserList is one page of users
type UserList struct {
	Users      []User     `json:"users"`
	Pagination Pagination `json:"pagination"`
}

// UserInput is the create-user form
type UserInput struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	OrgID    string `json:"org_id,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate checks required fields and the role
func (in UserInput) Validate() error {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return fmt.Errorf("%w: email is not a valid address", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	switch in.Role {
	case auth.RoleAdmin, auth.RoleSuperAdmin, "user":
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	return nil
}

// ServiceStatus is one backend service's health as reported by the admin service
type ServiceStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// ServicesStatus maps service name to status
type ServicesStatus map[string]ServiceStatus

// UnmarshalJSON accepts a name-keyed object, a list of entries with a name
// field, or either of those under "services"
func (s *ServicesStatus) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Services json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Services) > 0 {
		data = wrapped.Services
	}

	var list []struct {
		Name string `json:"name"`
		ServiceStatus
	}
	if err := json.Unmarshal(data, &list); err == nil {
		out := make(ServicesStatus, len(list))
		for _, e := range list {
			out[e.Name] = e.ServiceStatus
		}
		*s = out
		return nil
	}

	var byName map[string]ServiceStatus
	if err := json.Unmarshal(data, &byName); err != nil {
		return err
	}
	*s = byName
	return nil
}

// DefaultServices are the services listed when the admin service cannot be reached
var DefaultServices = []string{"gateway", "admin", "patient", "insurance", "form", "claim"}

// UnreachableServices reports every default service as unreachable
func UnreachableServices() ServicesStatus {
	out := make(ServicesStatus, len(DefaultServices))
	for _, name := range DefaultServices {
		out[name] = ServiceStatus{Healthy: false, Message: "Unable to connect"}
	}
	return out
}

// AuditLog is one audit trail entry
type AuditLog struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	UserEmail string          `json:"user_email,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	EntityID  string          `json:"entity_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// AuditPage is one page of audit logs
type AuditPage struct {
	Logs       []AuditLog `json:"logs"`
	Pagination Pagination `json:"pagination"`
}
