package token

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ScopeAdmin grants the tenant and key management surface and access to
	// every tenant.
	ScopeAdmin = "admin"
	// ScopeTenantAdmin grants access to every subject of the token's tenant.
	ScopeTenantAdmin = "tenant_admin"
	// ScopeAccount lets an account act on its own data. The subject is the
	// account id.
	ScopeAccount = "account"
)

// ErrInvalidToken covers every parse or validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT registered claims plus the granted scopes and the
// tenant the token is bound to.
type Claims struct {
	Scope  []string `json:"scope,omitempty"`
	Tenant string   `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

// BoundTo reports whether the token may be used inside tenantID. Admin tokens
// work everywhere; any other token only in the tenant it was minted for.
func (c *Claims) BoundTo(tenantID string) bool {
	return c.HasScope(ScopeAdmin) || (c.Tenant != "" && c.Tenant == tenantID)
}

// ManagesTenant reports whether the token may act on any subject in tenantID.
func (c *Claims) ManagesTenant(tenantID string) bool {
	return c.HasScope(ScopeAdmin) || (c.BoundTo(tenantID) && c.HasScope(ScopeTenantAdmin))
}

// ActsFor reports whether the token may act on subject's data in tenantID.
func (c *Claims) ActsFor(tenantID, subject string) bool {
	if c.ManagesTenant(tenantID) {
		return true
	}
	return subject != "" && c.BoundTo(tenantID) && c.HasScope(ScopeAccount) && c.Subject == subject
}

// Service mints and verifies HS256 operator tokens.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewService returns a token service keyed by the admin token secret.
func NewService(cfg config.SecurityConfig) (*Service, error) {
	if cfg.AdminTokenSecret == "" {
		return nil, errors.New("admin token secret is required")
	}
	ttl := cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		secret: []byte(cfg.AdminTokenSecret),
		issuer: cfg.AdminTokenIssuer,
		ttl:    ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.AdminTokenIssuer),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}, nil
}

// Mint signs a token for subject that is not bound to a tenant. A zero ttl
// uses the configured default.
func (s *Service) Mint(subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	return s.mint(subject, "", scopes, ttl)
}

// MintForTenant signs a token that is only accepted inside tenantID.
func (s *Service) MintForTenant(tenantID, subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if tenantID == "" {
		return "", time.Time{}, errors.New("tenant is required")
	}
	return s.mint(subject, tenantID, scopes, ttl)
}

func (s *Service) mint(subject, tenantID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := &Claims{
		Scope:  scopes,
		Tenant: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Parse validates and parses a JWT token string.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
