// Package inmem provides an in-memory implementation of quota.Ledger.
//
// Counters are keyed by (user, capability, window); window rollover is
// implicit because a new day or month produces a new key. Suitable for tests
// and single-process deployments; use features/quota/redis when more than one
// process enforces the same caps.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neomentor/engine/runtime/quota"
)

// Ledger implements quota.Ledger with a mutex-guarded counter map.
type Ledger struct {
	resolve quota.Resolver
	now     func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

// New returns an in-memory ledger using the given resolver.
func New(resolve quota.Resolver) *Ledger {
	return &Ledger{
		resolve: resolve,
		now:     func() time.Time { return time.Now().UTC() },
		counts:  make(map[string]int),
	}
}

// WithClock overrides the ledger clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CheckAndIncrement implements quota.Ledger. The check and the increment
// happen under one lock acquisition, so under concurrent calls exactly as many
// succeed as the remaining quota allows.
func (l *Ledger) CheckAndIncrement(ctx context.Context, userID, capability string) (quota.Decision, error) {
	if userID == "" || capability == "" {
		return quota.Decision{}, fmt.Errorf("user id and capability are required")
	}
	limits, err := l.resolve(ctx, userID, capability)
	if err != nil {
		return quota.Decision{}, err
	}
	now := l.now()
	dayKey := key(userID, capability, quota.DayWindow(now))
	monthKey := key(userID, capability, quota.MonthWindow(now))

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.counts[dayKey]
	month := l.counts[monthKey]
	if limits.Daily >= 0 && day >= limits.Daily {
		return quota.Decision{
			Remaining: 0,
			Reason:    fmt.Sprintf("Daily limit of %d reached", limits.Daily),
		}, nil
	}
	if limits.Monthly >= 0 && month >= limits.Monthly {
		return quota.Decision{
			Remaining: 0,
			Reason:    fmt.Sprintf("Monthly limit of %d reached", limits.Monthly),
		}, nil
	}
	l.counts[dayKey] = day + 1
	l.counts[monthKey] = month + 1
	return quota.Decision{Allowed: true, Remaining: remaining(limits, day+1, month+1)}, nil
}

// Release implements quota.Ledger.
func (l *Ledger) Release(_ context.Context, userID, capability string) error {
	if userID == "" || capability == "" {
		return fmt.Errorf("user id and capability are required")
	}
	now := l.now()
	dayKey := key(userID, capability, quota.DayWindow(now))
	monthKey := key(userID, capability, quota.MonthWindow(now))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[dayKey] > 0 {
		l.counts[dayKey]--
	}
	if l.counts[monthKey] > 0 {
		l.counts[monthKey]--
	}
	return nil
}

// Usage implements quota.Ledger.
func (l *Ledger) Usage(ctx context.Context, userID, capability string) (quota.Usage, error) {
	limits, err := l.resolve(ctx, userID, capability)
	if err != nil {
		return quota.Usage{}, err
	}
	now := l.now()

	l.mu.Lock()
	day := l.counts[key(userID, capability, quota.DayWindow(now))]
	month := l.counts[key(userID, capability, quota.MonthWindow(now))]
	l.mu.Unlock()

	return quota.Usage{
		Capability:       capability,
		Daily:            day,
		Monthly:          month,
		RemainingDaily:   remainingIn(limits.Daily, day),
		RemainingMonthly: remainingIn(limits.Monthly, month),
	}, nil
}

func key(userID, capability, window string) string {
	return userID + "|" + capability + "|" + window
}

// remaining is the capacity left in the tightest window; -1 when unlimited.
func remaining(limits quota.Limits, day, month int) int {
	d := remainingIn(limits.Daily, day)
	m := remainingIn(limits.Monthly, month)
	if d < 0 {
		return m
	}
	if m < 0 {
		return d
	}
	if m < d {
		return m
	}
	return d
}

func remainingIn(limit, used int) int {
	if limit < 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
