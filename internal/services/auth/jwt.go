// Package auth provides token issuance, password login and sessions.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/circlecloud/circle/internal/config"
	"github.com/circlecloud/circle/internal/domain"
)

const (
	issuer          = "circle"
	audienceAccess  = "circle-api"
	audienceRefresh = "circle-refresh"
)

// Claims are the JWT claims of a CIRCLE access or refresh token.
type Claims struct {
	UserID      string      `json:"user_id"`
	Username    string      `json:"username,omitempty"`
	Role        domain.Role `json:"role,omitempty"`
	IsSuperuser bool        `json:"su,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 tokens.
type JWTManager struct {
	secret        []byte
	tokenExpiry   time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
}

// NewJWTManager creates a JWT manager from the auth configuration.
func NewJWTManager(cfg config.AuthConfig) *JWTManager {
	return &JWTManager{
		secret:        []byte(cfg.JWTSecret),
		tokenExpiry:   cfg.TokenExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
	}
}

// TokenPair contains both access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// Generate creates a new access and refresh token pair for a user.
func (m *JWTManager) Generate(user *domain.User) (*TokenPair, error) {
	now := m.now()
	expiresAt := now.Add(m.tokenExpiry)

	access, err := m.sign(&Claims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		IsSuperuser: user.IsSuperuser,
		RegisteredClaims: m.registered(user.ID, audienceAccess, now, expiresAt,
			fmt.Sprintf("%s-%d", user.ID, now.UnixNano())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	// The refresh token only names the user; roles are re-read on refresh.
	refresh, err := m.sign(&Claims{
		UserID: user.ID,
		RegisteredClaims: m.registered(user.ID, audienceRefresh, now, now.Add(m.refreshExpiry),
			fmt.Sprintf("refresh-%s-%d", user.ID, now.UnixNano())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}, nil
}

func (m *JWTManager) registered(subject, audience string, now, expiresAt time.Time, id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        id,
	}
}

func (m *JWTManager) sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify validates an access token and returns its claims.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	return m.parse(tokenString, audienceAccess)
}

// VerifyRefreshToken validates a refresh token and returns the user ID.
func (m *JWTManager) VerifyRefreshToken(tokenString string) (string, error) {
	claims, err := m.parse(tokenString, audienceRefresh)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (m *JWTManager) parse(tokenString, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	return claims, nil
}

// TokenExpiry returns the access token lifetime.
func (m *JWTManager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}
