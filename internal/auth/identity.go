// Package auth holds the authenticated identity of a portal user and the
// JWT manager used by the REST API and the websocket token handshake.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Roles understood by the portal
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
)

// ErrInvalidIdentity is returned when a login reply carries no usable user
var ErrInvalidIdentity = errors.New("auth: invalid identity")

// Identity is the authenticated user behind a session or token
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	OrgID  string `json:"org_id,omitempty"`
}

// IsZero reports whether no user is set
func (i Identity) IsZero() bool {
	return i.UserID == "" && i.Email == ""
}

func (i Identity) IsSuperAdmin() bool {
	return i.Role == RoleSuperAdmin
}

// IsAdmin is true for admin and super_admin
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RoleSuperAdmin
}

// HasAnyRole reports whether the identity satisfies one of roles. An empty
// list only requires authentication. super_admin satisfies every role.
func (i Identity) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 || i.IsSuperAdmin() {
		return true
	}
	for _, r := range roles {
		if r == i.Role {
			return true
		}
	}
	return false
}

// CanAccessOrg reports whether the identity may see data of orgID
func (i Identity) CanAccessOrg(orgID string) bool {
	return i.IsSuperAdmin() || (orgID != "" && i.OrgID == orgID)
}

// ParseIdentity decodes a user object as returned by the auth service.
// Numeric ids are accepted and kept in their decimal form.
func ParseIdentity(raw json.RawMessage) (Identity, error) {
	var wire struct {
		ID     json.RawMessage `json:"id"`
		UserID json.RawMessage `json:"user_id"`
		Email  string          `json:"email"`
		Name   string          `json:"name"`
		Role   string          `json:"role"`
		OrgID  json.RawMessage `json:"org_id"`
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Identity{}, ErrInvalidIdentity
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	id := scalar(wire.ID)
	if id == "" {
		id = scalar(wire.UserID)
	}
	ident := Identity{
		UserID: id,
		Email:  wire.Email,
		Name:   wire.Name,
		Role:   wire.Role,
		OrgID:  scalar(wire.OrgID),
	}
	if ident.IsZero() {
		return Identity{}, fmt.Errorf("%w: missing id and email", ErrInvalidIdentity)
	}
	if ident.Role == "" {
		ident.Role = RoleAdmin
	}
	return ident, nil
}

func scalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}
