// Package jwt implements auth.Verifier over HS256-signed JWTs. It is the
// development and test verifier; production deployments plug in the identity
// provider's own verifier behind the same interface.
package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neomentor/engine/runtime/auth"
)

// Verifier validates HS256 tokens minted with a shared secret.
type Verifier struct {
	secret []byte
}

type claims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// New returns a verifier for tokens signed with the given secret.
func New(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt: signing secret is required")
	}
	return &Verifier{secret: secret}, nil
}

// Verify implements auth.Verifier.
func (v *Verifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	if c.Subject == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: c.Subject, Tier: c.Tier}, nil
}

// Mint signs a token asserting the given identity. Used by tests and local
// development tooling.
func (v *Verifier) Mint(id auth.Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := claims{
		Tier: id.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
