// Package auth issues and validates the bearer tokens guarding the HTTP and
// SSE surfaces. Tokens carry the caller's role and the set of external systems
// whose events they may observe.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncbridge/backend/internal/infrastructure/config"
)

// Role is the coarse authorization level carried in a token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleOperator Role = "operator"
	RoleSales    Role = "sales"
)

// IsValid returns true if the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleOperator, RoleSales:
		return true
	}
	return false
}

// Common errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrMissingUserID    = errors.New("missing user_id in claims")
	ErrUnknownRole      = errors.New("unknown role in claims")
)

// Claims are the custom JWT claims. AllowedSystems limits which external
// systems' events the holder may observe; empty means all systems.
type Claims struct {
	jwt.RegisteredClaims
	UserID         string   `json:"user_id"`
	Username       string   `json:"username"`
	Role           Role     `json:"role"`
	AllowedSystems []string `json:"allowed_systems,omitempty"`
}

// CanObserveSystem reports whether events originating from the named system
// are visible to the token holder.
func (c *Claims) CanObserveSystem(system string) bool {
	if len(c.AllowedSystems) == 0 {
		return true
	}
	for _, s := range c.AllowedSystems {
		if s == system {
			return true
		}
	}
	return false
}

// JWTService signs and validates access tokens.
type JWTService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewJWTService creates a JWT service from configuration.
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secret:     []byte(cfg.Secret),
		expiration: cfg.AccessTokenExpiration,
		issuer:     cfg.Issuer,
	}
}

// GenerateTokenInput contains input for token generation.
type GenerateTokenInput struct {
	UserID         uuid.UUID
	Username       string
	Role           Role
	AllowedSystems []string
}

// GenerateToken issues a signed access token.
func (s *JWTService) GenerateToken(input GenerateTokenInput) (string, error) {
	if !input.Role.IsValid() {
		return "", ErrUnknownRole
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   input.UserID.String(),
			Audience:  jwt.ClaimStrings{s.issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:         input.UserID.String(),
		Username:       input.Username,
		Role:           input.Role,
		AllowedSystems: input.AllowedSystems,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}
	if !claims.Role.IsValid() {
		return nil, ErrUnknownRole
	}

	return claims, nil
}

// TokenExpiration returns the configured access token lifetime.
func (s *JWTService) TokenExpiration() time.Duration {
	return s.expiration
}
