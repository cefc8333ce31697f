package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrMissingSecret = errors.New("jwt secret is empty")
)

// DefaultTokenTTL matches the browser session lifetime
const DefaultTokenTTL = 24 * time.Hour

// Claims are the portal's JWT claims
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user the claims were issued for
func (c *Claims) Identity() Identity {
	return Identity{
		UserID: c.Subject,
		Email:  c.Email,
		Name:   c.Name,
		Role:   c.Role,
		OrgID:  c.OrgID,
	}
}

// Manager issues and validates HS256 tokens
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// ManagerOption configures the manager
type ManagerOption func(*Manager)

// WithTTL sets the token lifetime
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim
func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) {
		m.issuer = issuer
	}
}

// NewManager creates a token manager for secret
func NewManager(secret []byte, opts ...ManagerOption) (*Manager, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	m := &Manager{
		secret: secret,
		ttl:    DefaultTokenTTL,
		issuer: "htpi-admin-portal",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a token for ident
func (m *Manager) Issue(ident Identity) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Email: ident.Email,
		Name:  ident.Name,
		Role:  ident.Role,
		OrgID: ident.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ident.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses token and returns its claims
func (m *Manager) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
