// Package auth defines the identity contract the HTTP surface depends on.
// Identity verification itself is an external collaborator: the engine only
// validates a signed bearer token and maps it to a user id and tier.
package auth

import (
	"context"
	"errors"
	"sync"
)

type (
	// Identity is the verified caller.
	Identity struct {
		// UserID is the stable identifier of the caller.
		UserID string
		// Tier is the caller's subscription tier, used for quota resolution.
		Tier string
	}

	// Verifier validates a bearer token and returns the identity it asserts.
	Verifier interface {
		// Verify returns the identity carried by the token.
		// Returns ErrInvalidToken on malformed, forged or expired tokens.
		Verify(ctx context.Context, token string) (Identity, error)
	}
)

// ErrInvalidToken indicates the bearer token is malformed, forged or expired.
var ErrInvalidToken = errors.New("invalid identity token")

// TierRegistry remembers the subscription tier each authenticated user last
// presented. Tokens are the source of tier information, but quota resolution
// happens later, inside the session loop, where no token is available; the
// registry bridges the two.
type TierRegistry struct {
	mu       sync.RWMutex
	tiers    map[string]string
	fallback string
}

// NewTierRegistry constructs a registry that reports the given fallback tier
// for users it has not observed.
func NewTierRegistry(fallback string) *TierRegistry {
	return &TierRegistry{
		tiers:    make(map[string]string),
		fallback: fallback,
	}
}

// Observe records the tier asserted by a verified identity.
func (r *TierRegistry) Observe(id Identity) {
	if id.UserID == "" || id.Tier == "" {
		return
	}
	r.mu.Lock()
	r.tiers[id.UserID] = id.Tier
	r.mu.Unlock()
}

// TierOf returns the last observed tier for the user, or the fallback. The
// signature matches what quota.TierResolver expects.
func (r *TierRegistry) TierOf(_ context.Context, userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.tiers[userID]; ok {
		return tier, nil
	}
	return r.fallback, nil
}
