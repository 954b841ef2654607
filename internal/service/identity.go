package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/faucetdb/sluice/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrNoJWTSecret  = errors.New("jwt secret is not configured")
)

// Identity is the verified caller of the admin API.
type Identity struct {
	Subject string
	Scope   model.Scope
}

// IdentityService issues and verifies the HS256 bearer tokens that identify
// admin callers and the scope they act for.
type IdentityService struct {
	secret []byte
	issuer string
}

// NewIdentityService creates an identity service signing with secret.
func NewIdentityService(secret string) (*IdentityService, error) {
	if secret == "" {
		return nil, ErrNoJWTSecret
	}
	return &IdentityService{secret: []byte(secret), issuer: "sluice"}, nil
}

type identityClaims struct {
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	jwt.RegisteredClaims
}

// Verify parses and validates a bearer token.
func (s *IdentityService) Verify(tokenStr string) (*Identity, error) {
	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	scope, err := model.ParseScope(claims.ScopeType, claims.ScopeID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{Subject: claims.Subject, Scope: scope}, nil
}

// Issue signs a token for subject acting in scope.
func (s *IdentityService) Issue(subject string, scope model.Scope, ttl time.Duration) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := identityClaims{
		ScopeType: string(scope.Kind()),
		ScopeID:   scope.ID(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    s.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
