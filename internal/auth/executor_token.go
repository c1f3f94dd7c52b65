package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	executorIssuer   = "soundboard"
	executorAudience = "executor"
)

// ExecutorClaims are carried by the credential an executor presents when it connects.
type ExecutorClaims struct {
	jwt.RegisteredClaims
}

// ExecutorTokens signs and verifies executor credentials with a shared HS256 secret.
type ExecutorTokens struct {
	secret []byte
	now    func() time.Time
}

// NewExecutorTokens returns an error when the secret is empty.
func NewExecutorTokens(secret string) (*ExecutorTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: executor secret is not configured")
	}
	return &ExecutorTokens{secret: []byte(secret), now: time.Now}, nil
}

// Generate signs a token for the named executor.
func (t *ExecutorTokens) Generate(name string, ttl time.Duration) (string, time.Time, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", time.Time{}, errors.New("auth: executor name is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := ExecutorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    executorIssuer,
			Subject:   name,
			Audience:  jwt.ClaimStrings{executorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, audience and expiry.
func (t *ExecutorTokens) Verify(token string) (*ExecutorClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &ExecutorClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	},
		jwt.WithIssuer(executorIssuer),
		jwt.WithAudience(executorAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
		// Allow a small clock skew between the control plane and the bot host.
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*ExecutorClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
