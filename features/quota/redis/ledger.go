// Package redis implements quota.Ledger on Redis so several engine instances
// can enforce the same per-user caps.
//
// The limit check and the increments run inside one Lua script, which Redis
// executes atomically: concurrent callers can never both consume the last
// unit of a window. Window keys carry TTLs so expired windows clean
// themselves up.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/neomentor/engine/runtime/quota"
)

const (
	keyPrefix  = "quota"
	ledgerName = "quota-redis"
	// ttlGrace keeps expired window keys around briefly so Usage calls that
	// straddle a reset still resolve.
	ttlGrace = time.Hour
)

// checkScript checks both windows and consumes one unit from each when
// allowed. Returns {verdict, day, month} where verdict is 0 for a daily
// denial, 1 for a monthly denial and 2 for allowed.
var checkScript = goredis.NewScript(`
local day = tonumber(redis.call('GET', KEYS[1]) or '0')
local month = tonumber(redis.call('GET', KEYS[2]) or '0')
local dlim = tonumber(ARGV[1])
local mlim = tonumber(ARGV[2])
if dlim >= 0 and day >= dlim then
  return {0, day, month}
end
if mlim >= 0 and month >= mlim then
  return {1, day, month}
end
day = redis.call('INCR', KEYS[1])
if day == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
month = redis.call('INCR', KEYS[2])
if month == 1 then
  redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return {2, day, month}
`)

// releaseScript decrements both window counters, never below zero.
var releaseScript = goredis.NewScript(`
for i = 1, 2 do
  local v = tonumber(redis.call('GET', KEYS[i]) or '0')
  if v > 0 then
    redis.call('DECR', KEYS[i])
  end
end
return 1
`)

// Ledger implements quota.Ledger on Redis.
type Ledger struct {
	rdb     goredis.UniversalClient
	resolve quota.Resolver
	now     func() time.Time
}

// New returns a Redis-backed ledger using the given resolver.
func New(rdb goredis.UniversalClient, resolve quota.Resolver) (*Ledger, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if resolve == nil {
		return nil, errors.New("quota resolver is required")
	}
	return &Ledger{
		rdb:     rdb,
		resolve: resolve,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the ledger clock. Test hook.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Name implements health.Pinger.
func (l *Ledger) Name() string { return ledgerName }

// Ping implements health.Pinger.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// CheckAndIncrement implements quota.Ledger.
func (l *Ledger) CheckAndIncrement(ctx context.Context, userID, capability string) (quota.Decision, error) {
	if userID == "" || capability == "" {
		return quota.Decision{}, fmt.Errorf("user id and capability are required")
	}
	limits, err := l.resolve(ctx, userID, capability)
	if err != nil {
		return quota.Decision{}, err
	}
	now := l.now()
	keys := []string{l.dayKey(userID, capability, now), l.monthKey(userID, capability, now)}
	args := []any{
		limits.Daily,
		limits.Monthly,
		int(dayTTL(now).Seconds()),
		int(monthTTL(now).Seconds()),
	}
	raw, err := checkScript.Run(ctx, l.rdb, keys, args...).Slice()
	if err != nil {
		return quota.Decision{}, fmt.Errorf("quota check: %w", err)
	}
	if len(raw) != 3 {
		return quota.Decision{}, fmt.Errorf("quota check: unexpected reply %v", raw)
	}
	verdict, day, month := raw[0].(int64), int(raw[1].(int64)), int(raw[2].(int64))
	switch verdict {
	case 0:
		return quota.Decision{
			Reason: fmt.Sprintf("Daily limit of %d reached", limits.Daily),
		}, nil
	case 1:
		return quota.Decision{
			Reason: fmt.Sprintf("Monthly limit of %d reached", limits.Monthly),
		}, nil
	}
	return quota.Decision{Allowed: true, Remaining: remaining(limits, day, month)}, nil
}

// Release implements quota.Ledger.
func (l *Ledger) Release(ctx context.Context, userID, capability string) error {
	if userID == "" || capability == "" {
		return fmt.Errorf("user id and capability are required")
	}
	now := l.now()
	keys := []string{l.dayKey(userID, capability, now), l.monthKey(userID, capability, now)}
	if err := releaseScript.Run(ctx, l.rdb, keys).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
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
	raw, err := l.rdb.MGet(ctx, l.dayKey(userID, capability, now), l.monthKey(userID, capability, now)).Result()
	if err != nil {
		return quota.Usage{}, fmt.Errorf("quota usage: %w", err)
	}
	day := parseCount(raw[0])
	month := parseCount(raw[1])
	return quota.Usage{
		Capability:       capability,
		Daily:            day,
		Monthly:          month,
		RemainingDaily:   remainingIn(limits.Daily, day),
		RemainingMonthly: remainingIn(limits.Monthly, month),
	}, nil
}

func (l *Ledger) dayKey(userID, capability string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, userID, capability, quota.DayWindow(now))
}

func (l *Ledger) monthKey(userID, capability string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, userID, capability, quota.MonthWindow(now))
}

func dayTTL(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now) + ttlGrace
}

func monthTTL(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Sub(now) + ttlGrace
}

func parseCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

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
