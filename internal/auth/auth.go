// Package auth validates the two credential kinds the broker accepts:
// static runner id/secret pairs and signed app bearer tokens.
package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims are the JWT claims carried by an app bearer token.
type AppClaims struct {
	jwt.RegisteredClaims
}

// Validator answers credential checks for runners and apps. The runner
// table can be swapped at runtime; see WatchCredentials.
type Validator struct {
	mu        sync.RWMutex
	runners   map[string]string
	jwtSecret []byte
}

func NewValidator(runners map[string]string, jwtSecret []byte) *Validator {
	v := &Validator{jwtSecret: jwtSecret}
	v.SetRunners(runners)
	return v
}

// ValidateRunner reports whether id is a known runner presenting its
// secret. The comparison is constant-time.
func (v *Validator) ValidateRunner(id, secret string) bool {
	v.mu.RLock()
	want, ok := v.runners[id]
	v.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

// ValidateAppToken verifies an app bearer token and returns its claims.
// Expiry is checked on every call, so re-validating a remembered token
// catches tokens that age out mid-connection.
func (v *Validator) ValidateAppToken(token string) (*AppClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AppClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	claims, ok := parsed.Claims.(*AppClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}

// SetRunners swaps the runner credential table and returns the ids that
// were present before but are gone now, so callers can revoke their state.
func (v *Validator) SetRunners(runners map[string]string) []string {
	next := make(map[string]string, len(runners))
	for id, secret := range runners {
		next[id] = secret
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	var removed []string
	for id := range v.runners {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	v.runners = next
	return removed
}

// IssueAppToken creates a signed bearer token for userID.
func IssueAppToken(secret []byte, userID string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}
