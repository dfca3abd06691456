// Package auth issues and checks the tokens that let a counterparty open
// the chat socket of its own conversation.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/karthikraju391/support-console/models"
)

var ErrInvalidToken = errors.New("auth: invalid chat token")

// ChatClaims bind a token to one conversation (the subject) and the
// counterparty's account type.
type ChatClaims struct {
	Kind models.Kind `json:"type"`
	jwt.RegisteredClaims
}

// IssueChatToken signs a token for conversation id.
func IssueChatToken(secret, id string, kind models.Kind, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("auth: no chat token secret configured")
	}
	if !kind.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: unknown account type %q", kind)
	}

	now := time.Now()
	expires := now.Add(ttl)
	claims := ChatClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing chat token: %w", err)
	}
	return token, expires, nil
}

// ParseChatToken checks the signature and expiry and returns the claims.
func ParseChatToken(secret, tokenStr string) (*ChatClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ChatClaims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*ChatClaims)
	if !ok || !token.Valid || claims.Subject == "" || !claims.Kind.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
