// Package quota defines per-user consumption caps for gated capabilities.
//
// The ledger is the only state mutated by more than one concurrent session at
// a time; implementations must make the limit check and the increment a single
// atomic operation so no two concurrent callers can both observe "allowed"
// when only one unit of quota remains.
package quota

import (
	"context"
	"errors"
	"time"
)

type (
	// Decision is the outcome of an atomic check-and-increment.
	Decision struct {
		// Allowed reports whether the caller may proceed. When true, one unit
		// has been consumed.
		Allowed bool
		// Remaining is the capacity left in the tightest window after this call.
		// Negative means unlimited.
		Remaining int
		// Reason is the user-facing denial summary. Empty when Allowed.
		Reason string
	}

	// Usage reports current consumption for display (e.g. the /quota endpoint).
	Usage struct {
		Capability       string
		Daily            int
		Monthly          int
		RemainingDaily   int
		RemainingMonthly int
	}

	// Limits caps consumption per window. A negative value means unlimited;
	// zero means the capability is not available at all.
	Limits struct {
		Daily   int `yaml:"daily" json:"daily"`
		Monthly int `yaml:"monthly" json:"monthly"`
	}

	// Resolver returns the limits that apply to a user for a capability.
	// Implementations typically map the user's subscription tier.
	Resolver func(ctx context.Context, userID, capability string) (Limits, error)

	// Ledger enforces per-user consumption caps.
	Ledger interface {
		// CheckAndIncrement atomically verifies remaining capacity for the
		// (user, capability, window) triple and consumes one unit when allowed.
		// Window resets never retroactively invalidate an admitted session.
		CheckAndIncrement(ctx context.Context, userID, capability string) (Decision, error)
		// Release returns one unit consumed by CheckAndIncrement. Used to
		// compensate when the gated stage never runs (e.g. cancellation between
		// the check and the stage).
		Release(ctx context.Context, userID, capability string) error
		// Usage reports current consumption for the user and capability.
		Usage(ctx context.Context, userID, capability string) (Usage, error)
	}
)

// ErrNoLimits indicates the resolver could not produce limits for the user.
var ErrNoLimits = errors.New("no quota limits configured")

// Tier names mirror the subscription tiers of the record store.
const (
	TierFree       = "free"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// DefaultTierLimits returns the built-in per-tier caps.
func DefaultTierLimits() map[string]Limits {
	return map[string]Limits{
		TierFree:       {Daily: 3, Monthly: 10},
		TierPremium:    {Daily: 50, Monthly: 500},
		TierEnterprise: {Daily: -1, Monthly: -1},
	}
}

// StaticResolver returns a Resolver that applies the same limits to every
// user and capability.
func StaticResolver(l Limits) Resolver {
	return func(context.Context, string, string) (Limits, error) { return l, nil }
}

// TierResolver returns a Resolver that looks up the user's tier through
// tierOf and applies the matching limits. Unknown tiers fall back to free.
func TierResolver(limits map[string]Limits, tierOf func(ctx context.Context, userID string) (string, error)) Resolver {
	return func(ctx context.Context, userID, _ string) (Limits, error) {
		tier, err := tierOf(ctx, userID)
		if err != nil {
			return Limits{}, err
		}
		l, ok := limits[tier]
		if !ok {
			l, ok = limits[TierFree]
			if !ok {
				return Limits{}, ErrNoLimits
			}
		}
		return l, nil
	}
}

// DayWindow returns the daily window key for the given instant.
func DayWindow(t time.Time) string { return t.UTC().Format("20060102") }

// MonthWindow returns the monthly window key for the given instant.
func MonthWindow(t time.Time) string { return t.UTC().Format("200601") }
