package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTManager mints and validates admin tokens
type JWTManager struct {
	secret        []byte
	tokenDuration time.Duration
}

// AdminClaims represents the claims carried by an admin token
type AdminClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, tokenDuration time.Duration) *JWTManager {
	if tokenDuration == 0 {
		tokenDuration = time.Hour
	}
	return &JWTManager{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
	}
}

// GenerateAdminToken mints a short-lived admin token with a unique token id
func (m *JWTManager) GenerateAdminToken() (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "follower-platform",
			Audience:  []string{"follower-platform-admin"},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// ValidateAdminToken validates a token and returns its claims
func (m *JWTManager) ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	// An empty secret must never validate anything
	if len(m.secret) == 0 {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// TokenDuration returns the configured token lifetime
func (m *JWTManager) TokenDuration() time.Duration {
	return m.tokenDuration
}
