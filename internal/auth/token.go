// Package auth holds the bearer token this client presents to the matching
// backend. The client never verifies signatures; it only reads the claims the
// server put in the token to know who it is and when the token runs out.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends standard registered claims with role information.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Token wraps a raw JWT together with its parsed claims. Safe for concurrent
// use; Rotate swaps the token in place when the caller refreshes it.
type Token struct {
	mu     sync.RWMutex
	raw    string
	claims Claims
}

// NewToken parses raw without verifying the signature. Verification is the
// server's job; the client would not hold the signing key anyway.
func NewToken(raw string) (*Token, error) {
	t := &Token{}
	if err := t.Rotate(raw); err != nil {
		return nil, err
	}
	return t, nil
}

// Rotate replaces the held token. The previous token stays in place when the
// new one does not parse.
func (t *Token) Rotate(raw string) error {
	claims := Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	t.mu.Lock()
	t.raw = raw
	t.claims = claims
	t.mu.Unlock()
	return nil
}

// Raw returns the token string for the Authorization header.
func (t *Token) Raw() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.raw
}

// Subject returns the user identity the backend minted the token for.
func (t *Token) Subject() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.claims.Subject
}

// Role returns the role claim, empty when the token carries none.
func (t *Token) Role() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.claims.Role
}

// ExpiresAt returns the expiry, or the zero time when the token has none.
func (t *Token) ExpiresAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.claims.ExpiresAt.Time
}

// ExpiringWithin reports whether the token expires within d of now. Tokens
// without an expiry never report as expiring.
func (t *Token) ExpiringWithin(d time.Duration) bool {
	exp := t.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return time.Until(exp) <= d
}
