package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

const (
	tokenIssuer = "slack-gateway"
	tokenTTL    = time.Minute
)

var ErrInvalidToken = errors.New("invalid token")

// InvocationClaims identify the event a runtime call was made for.
type InvocationClaims struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues short-lived HS256 bearer tokens keyed by a runtime
// credential held in the secret store.
type TokenSigner struct {
	secrets    secrets.Provider
	secretName string
	now        func() time.Time
}

func NewTokenSigner(provider secrets.Provider, secretName string) *TokenSigner {
	return &TokenSigner{secrets: provider, secretName: secretName, now: time.Now}
}

func (s *TokenSigner) Sign(ctx context.Context, req ForwardRequest) (string, error) {
	key, err := s.secrets.GetSecret(ctx, s.secretName)
	if err != nil {
		return "", fmt.Errorf("runtime credential: %w", err)
	}

	now := s.now()
	claims := InvocationClaims{
		SessionID: req.SessionID,
		EventID:   req.EventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   req.TeamID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ValidateToken parses a token issued by TokenSigner. Runtimes written in
// Go can use it to authenticate the gateway.
func ValidateToken(tokenString string, key []byte) (*InvocationClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InvocationClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return key, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*InvocationClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
