// Package auth issues and verifies guest chat tokens. Staff and customer
// identity comes from the external auth service (see middleware.StaffAuth and
// middleware.CustomerAuth); guests get a signed token at session creation
// instead, scoped to that one session.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid guest token")

const defaultGuestTokenTTL = 24 * time.Hour

type guestClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// GuestTokens mints and parses session-scoped guest tokens (HS256).
type GuestTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewGuestTokens(secret string, ttl time.Duration) *GuestTokens {
	if ttl <= 0 {
		ttl = defaultGuestTokenTTL
	}
	return &GuestTokens{secret: []byte(secret), ttl: ttl}
}

// Mint returns a token binding guestRef to sessionID.
func (g *GuestTokens) Mint(sessionID, guestRef string) (string, error) {
	now := time.Now().UTC()
	claims := guestClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestRef,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("guest token sign: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns the session id and guest ref it binds.
func (g *GuestTokens) Parse(tokenStr string) (sessionID, guestRef string, err error) {
	token, err := jwt.ParseWithClaims(tokenStr, &guestClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*guestClaims)
	if !ok || claims.SessionID == "" || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.SessionID, claims.Subject, nil
}
