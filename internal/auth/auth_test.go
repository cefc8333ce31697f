package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRoles(t *testing.T) {
	super := Identity{UserID: "1", Role: RoleSuperAdmin}
	admin := Identity{UserID: "2", Role: RoleAdmin, OrgID: "org-1"}
	viewer := Identity{UserID: "3", Role: "viewer", OrgID: "org-1"}

	assert.True(t, super.IsAdmin())
	assert.True(t, super.HasAnyRole(RoleAdmin))
	assert.True(t, admin.HasAnyRole(RoleAdmin))
	assert.False(t, admin.HasAnyRole(RoleSuperAdmin))
	assert.False(t, viewer.HasAnyRole(RoleAdmin))
	assert.True(t, viewer.HasAnyRole())

	assert.True(t, super.CanAccessOrg("org-9"))
	assert.True(t, admin.CanAccessOrg("org-1"))
	assert.False(t, admin.CanAccessOrg("org-2"))
	assert.False(t, Identity{Role: RoleAdmin}.CanAccessOrg(""))
}

func TestParseIdentity(t *testing.T) {
	t.Run("numeric id", func(t *testing.T) {
		ident, err := ParseIdentity(json.RawMessage(`{"id":42,"email":"a@htpi.io","name":"Ann","role":"super_admin"}`))
		require.NoError(t, err)
		assert.Equal(t, "42", ident.UserID)
		assert.Equal(t, "a@htpi.io", ident.Email)
		assert.True(t, ident.IsSuperAdmin())
	})

	t.Run("string ids and default role", func(t *testing.T) {
		ident, err := ParseIdentity(json.RawMessage(`{"user_id":"u-1","email":"b@htpi.io","org_id":"org-7"}`))
		require.NoError(t, err)
		assert.Equal(t, "u-1", ident.UserID)
		assert.Equal(t, "org-7", ident.OrgID)
		assert.Equal(t, RoleAdmin, ident.Role)
	})

	t.Run("empty object", func(t *testing.T) {
		_, err := ParseIdentity(json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := ParseIdentity(json.RawMessage(`"nope"`))
		assert.ErrorIs(t, err, ErrInvalidIdentity)

		_, err = ParseIdentity(nil)
		assert.ErrorIs(t, err, ErrInvalidIdentity)
	})
}

func TestManager(t *testing.T) {
	_, err := NewManager(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)

	m, err := NewManager([]byte("test-secret"), WithTTL(time.Hour))
	require.NoError(t, err)

	ident := Identity{UserID: "7", Email: "c@htpi.io", Role: RoleAdmin, OrgID: "org-3"}

	t.Run("issue and validate", func(t *testing.T) {
		token, expiresAt, err := m.Issue(ident)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

		claims, err := m.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, ident, claims.Identity())
	})

	t.Run("expired token", func(t *testing.T) {
		past, err := NewManager([]byte("test-secret"), WithTTL(time.Minute))
		require.NoError(t, err)
		past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

		token, _, err := past.Issue(ident)
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewManager([]byte("other-secret"))
		require.NoError(t, err)
		token, _, err := other.Issue(ident)
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleSuperAdmin}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = m.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.Validate("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
