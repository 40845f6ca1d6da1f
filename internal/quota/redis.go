package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/gengate/internal/domain"
)

// Each record is a hash:
//
//	concurrent, daily_used, daily_limit, concurrent_limit, reset_at (unix ms)
//
// Scripts create missing records from the defaults passed in ARGV so that
// every read-modify-write happens inside one EVAL.

const initRecordLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'concurrent', 0, 'daily_used', 0,
    'daily_limit', ARGV[2], 'concurrent_limit', ARGV[3], 'reset_at', ARGV[4])
end
`

// reserveScript returns 0 when granted, 1 for the daily limit and 2 for
// the concurrency limit.
var reserveScript = redis.NewScript(initRecordLua + `
local now = tonumber(ARGV[1])
local day = tonumber(ARGV[5])
local v = redis.call('HMGET', KEYS[1], 'concurrent', 'daily_used', 'daily_limit', 'concurrent_limit', 'reset_at')
local concurrent = tonumber(v[1])
local used = tonumber(v[2])
local daily_limit = tonumber(v[3])
local concurrent_limit = tonumber(v[4])
local reset_at = tonumber(v[5])

if now >= reset_at then
  -- fixed 24h steps as in domain.NextBoundary, drifting off local midnight across DST
  reset_at = reset_at + (math.floor((now - reset_at) / day) + 1) * day
  used = 0
  redis.call('HSET', KEYS[1], 'daily_used', 0, 'reset_at', reset_at)
end

if daily_limit >= 0 and used >= daily_limit then
  return 1
end
if concurrent_limit >= 0 and concurrent >= concurrent_limit then
  return 2
end

redis.call('HINCRBY', KEYS[1], 'concurrent', 1)
redis.call('HINCRBY', KEYS[1], 'daily_used', 1)
return 0
`)

var releaseScript = redis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], 'concurrent') or '0')
if c > 0 then
  return redis.call('HINCRBY', KEYS[1], 'concurrent', -1)
end
return 0
`)

var setLimitsScript = redis.NewScript(initRecordLua + `
redis.call('HSET', KEYS[1], 'daily_limit', ARGV[6], 'concurrent_limit', ARGV[7])
return 0
`)

// RedisClient is the subset of *redis.Client the ledger uses.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisLedger shares quota state between instances through Redis.
type RedisLedger struct {
	client RedisClient
	prefix string
	opts   Options
}

// NewRedisLedger creates a ledger storing records under "gengate:quota:<user>".
func NewRedisLedger(client RedisClient, opts Options) *RedisLedger {
	return &RedisLedger{
		client: client,
		prefix: "gengate:quota:",
		opts:   opts.WithDefaults(),
	}
}

// WithPrefix changes the key prefix.
func (l *RedisLedger) WithPrefix(prefix string) *RedisLedger {
	l.prefix = prefix
	return l
}

func (l *RedisLedger) key(userID string) string {
	return l.prefix + userID
}

func (l *RedisLedger) initArgs(now time.Time) []any {
	return []any{
		now.UnixMilli(),
		l.opts.Defaults.DailyLimit,
		l.opts.Defaults.ConcurrentLimit,
		l.opts.Schedule.Next(now).UnixMilli(),
		domain.Day.Milliseconds(),
	}
}

func (l *RedisLedger) TryReserve(ctx context.Context, userID string) error {
	code, err := reserveScript.Run(ctx, l.client, []string{l.key(userID)}, l.initArgs(l.opts.Clock())...).Int()
	if err != nil {
		return fmt.Errorf("redis reserve: %w", err)
	}
	switch code {
	case 0:
		return nil
	case 1:
		return domain.ErrQuotaExceeded
	case 2:
		return domain.ErrConcurrencyExceeded
	default:
		return fmt.Errorf("redis reserve: unexpected result %d", code)
	}
}

func (l *RedisLedger) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(userID)}).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (l *RedisLedger) Peek(ctx context.Context, userID string) (domain.QuotaRecord, error) {
	now := l.opts.Clock()
	fields, err := l.client.HGetAll(ctx, l.key(userID)).Result()
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("redis peek: %w", err)
	}
	if len(fields) == 0 {
		return l.opts.NewRecord(userID, now), nil
	}

	rec := domain.QuotaRecord{UserID: userID}
	ints := map[string]*int{
		"concurrent":       &rec.ConcurrentCount,
		"daily_used":       &rec.DailyUsed,
		"daily_limit":      &rec.DailyLimit,
		"concurrent_limit": &rec.ConcurrentLimit,
	}
	for name, dst := range ints {
		n, err := strconv.Atoi(fields[name])
		if err != nil {
			return domain.QuotaRecord{}, fmt.Errorf("redis peek: field %s: %w", name, err)
		}
		*dst = n
	}
	resetMs, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("redis peek: field reset_at: %w", err)
	}
	rec.ResetBoundary = time.UnixMilli(resetMs).UTC()

	return rec.Rollover(now), nil
}

func (l *RedisLedger) SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error {
	args := append(l.initArgs(l.opts.Clock()), limits.DailyLimit, limits.ConcurrentLimit)
	if err := setLimitsScript.Run(ctx, l.client, []string{l.key(userID)}, args...).Err(); err != nil {
		return fmt.Errorf("redis set limits: %w", err)
	}
	return nil
}

var _ Ledger = (*RedisLedger)(nil)
