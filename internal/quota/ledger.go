// Package quota is the authoritative per-user quota ledger.
//
// A ledger tracks two counters per user: generations in flight and
// generations started in the current daily window. Reservation checks and
// increments both in a single atomic step against the backing store, so
// concurrent requests for one user can never exceed either limit. The
// daily window rolls over lazily: whichever operation first observes
// now >= ResetBoundary zeroes the daily count and advances the boundary.
package quota

import (
	"context"
	"time"

	"github.com/djlord-it/gengate/internal/cron"
	"github.com/djlord-it/gengate/internal/domain"
)

// Ledger is implemented by every quota backend.
type Ledger interface {
	// TryReserve grants one slot or returns domain.ErrQuotaExceeded /
	// domain.ErrConcurrencyExceeded. Any other error means the store failed
	// and nothing was reserved.
	TryReserve(ctx context.Context, userID string) error

	// Release returns one concurrency slot. The count never drops below zero.
	Release(ctx context.Context, userID string) error

	// Peek returns the user's record with the daily rollover applied.
	Peek(ctx context.Context, userID string) (domain.QuotaRecord, error)

	// SetLimits replaces the user's plan limits without touching counters.
	SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error
}

// Options configure a ledger backend.
type Options struct {
	// Defaults apply to users without a stored record.
	Defaults domain.QuotaLimits

	// Schedule yields the first reset boundary of a new record.
	// Default: midnight UTC.
	Schedule *cron.ResetSchedule

	// Clock is the time source. Default: time.Now.
	Clock func() time.Time
}

// DefaultLimits are applied when no plan limits are configured.
var DefaultLimits = domain.QuotaLimits{DailyLimit: 50, ConcurrentLimit: 3}

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.Defaults == (domain.QuotaLimits{}) {
		o.Defaults = DefaultLimits
	}
	if o.Schedule == nil {
		o.Schedule = cron.Midnight()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// NewRecord is the record of a user seen for the first time.
func (o Options) NewRecord(userID string, now time.Time) domain.QuotaRecord {
	return domain.QuotaRecord{
		UserID:          userID,
		DailyLimit:      o.Defaults.DailyLimit,
		ConcurrentLimit: o.Defaults.ConcurrentLimit,
		ResetBoundary:   o.Schedule.Next(now),
	}
}

// Check returns the rejection for rec, which must already be rolled over.
func Check(rec domain.QuotaRecord) error {
	if rec.DailyLimit != domain.Unlimited && rec.DailyUsed >= rec.DailyLimit {
		return domain.ErrQuotaExceeded
	}
	if rec.ConcurrentLimit != domain.Unlimited && rec.ConcurrentCount >= rec.ConcurrentLimit {
		return domain.ErrConcurrencyExceeded
	}
	return nil
}
