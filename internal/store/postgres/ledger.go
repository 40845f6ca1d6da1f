package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/quota"
)

// QuotaLedger is a quota.Ledger on the quota_records table. TryReserve
// locks the user's row for the read-modify-write, so reservations for one
// user are serialized across every instance sharing the database.
type QuotaLedger struct {
	db   *sqlx.DB
	opts quota.Options
}

func (s *Store) QuotaLedger(opts quota.Options) *QuotaLedger {
	return &QuotaLedger{db: s.db, opts: opts.WithDefaults()}
}

type quotaRow struct {
	UserID          string    `db:"user_id"`
	ConcurrentCount int       `db:"concurrent_count"`
	DailyUsed       int       `db:"daily_used"`
	DailyLimit      int       `db:"daily_limit"`
	ConcurrentLimit int       `db:"concurrent_limit"`
	ResetBoundary   time.Time `db:"reset_boundary"`
}

func (r quotaRow) record() domain.QuotaRecord {
	return domain.QuotaRecord{
		UserID:          r.UserID,
		ConcurrentCount: r.ConcurrentCount,
		DailyUsed:       r.DailyUsed,
		DailyLimit:      r.DailyLimit,
		ConcurrentLimit: r.ConcurrentLimit,
		ResetBoundary:   r.ResetBoundary.UTC(),
	}
}

func (l *QuotaLedger) TryReserve(ctx context.Context, userID string) error {
	now := l.opts.Clock()
	fresh := l.opts.NewRecord(userID, now)

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres reserve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queryEnsureQuota,
		userID, fresh.DailyLimit, fresh.ConcurrentLimit, fresh.ResetBoundary); err != nil {
		return fmt.Errorf("postgres reserve: %w", err)
	}

	var row quotaRow
	if err := tx.GetContext(ctx, &row, queryLockQuota, userID); err != nil {
		return fmt.Errorf("postgres reserve: %w", err)
	}
	rec := row.record().Rollover(now)

	// A rejection still commits, so a rollover is persisted exactly once.
	rejection := quota.Check(rec)
	if rejection == nil {
		rec.ConcurrentCount++
		rec.DailyUsed++
	}
	if _, err := tx.ExecContext(ctx, queryUpdateQuotaUsage,
		userID, rec.ConcurrentCount, rec.DailyUsed, rec.ResetBoundary); err != nil {
		return fmt.Errorf("postgres reserve: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres reserve: commit: %w", err)
	}
	return rejection
}

func (l *QuotaLedger) Release(ctx context.Context, userID string) error {
	if _, err := l.db.ExecContext(ctx, queryReleaseQuota, userID); err != nil {
		return fmt.Errorf("postgres release: %w", err)
	}
	return nil
}

func (l *QuotaLedger) Peek(ctx context.Context, userID string) (domain.QuotaRecord, error) {
	now := l.opts.Clock()
	var row quotaRow
	if err := l.db.GetContext(ctx, &row, queryGetQuota, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l.opts.NewRecord(userID, now), nil
		}
		return domain.QuotaRecord{}, fmt.Errorf("postgres peek: %w", err)
	}
	return row.record().Rollover(now), nil
}

func (l *QuotaLedger) SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error {
	boundary := l.opts.Schedule.Next(l.opts.Clock())
	if _, err := l.db.ExecContext(ctx, querySetQuotaLimits,
		userID, limits.DailyLimit, limits.ConcurrentLimit, boundary); err != nil {
		return fmt.Errorf("postgres set limits: %w", err)
	}
	return nil
}

var _ quota.Ledger = (*QuotaLedger)(nil)
