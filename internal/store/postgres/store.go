// Package postgres provides PostgreSQL-backed stores: jobs, webhook
// subscriptions, delivery attempts and the quota ledger.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/notifier"
	"github.com/djlord-it/gengate/internal/relay"
)

//go:embed schema.sql
var schema string

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements lifecycle.Store and the notifier and relay stores.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects, applies pool settings and verifies the connection.
func Open(ctx context.Context, url string, pool PoolConfig, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	logger.Info().
		Int("max_open_conns", pool.MaxOpenConns).
		Int("max_idle_conns", pool.MaxIdleConns).
		Dur("conn_max_lifetime", pool.ConnMaxLifetime).
		Msg("postgres: connected")
	return New(db), nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID          uuid.UUID  `db:"id"`
	OwnerID     string     `db:"owner_id"`
	ProviderID  string     `db:"provider_id"`
	Status      string     `db:"status"`
	Payload     []byte     `db:"payload"`
	Result      []byte     `db:"result"`
	ErrorReason string     `db:"error_reason"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	TerminalAt  *time.Time `db:"terminal_at"`
}

func (r jobRow) job() domain.Job {
	return domain.Job{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		ProviderID:  r.ProviderID,
		Status:      domain.JobStatus(r.Status),
		Payload:     json.RawMessage(r.Payload),
		Result:      json.RawMessage(r.Result),
		ErrorReason: r.ErrorReason,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   utcPtr(r.StartedAt),
		TerminalAt:  utcPtr(r.TerminalAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// jsonArg passes JSON as text; lib/pq sends []byte as bytea, which jsonb rejects.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(ctx, queryInsertJob,
		job.ID, job.OwnerID, job.ProviderID, string(job.Status), jsonArg(job.Payload), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, queryGetJob, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, lifecycle.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return row.job(), nil
}

// TransitionJob applies t with a single guarded UPDATE. When no row
// matches, a follow-up read tells a missing job from a lost race.
func (s *Store) TransitionJob(ctx context.Context, t lifecycle.Transition) (domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, queryTransitionJob,
		t.JobID, string(t.From), string(t.To), t.At, jsonArg(t.Result), t.ErrorReason)
	if err == nil {
		return row.job(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("transition job: %w", err)
	}
	if _, err := s.GetJob(ctx, t.JobID); err != nil {
		return domain.Job{}, err
	}
	return domain.Job{}, lifecycle.ErrTransitionDenied
}

func (s *Store) FailStuckJobs(ctx context.Context, cutoff, now time.Time, reason string, limit int) ([]domain.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, queryFailStuckJobs, cutoff, now, reason, limit); err != nil {
		return nil, fmt.Errorf("fail stuck jobs: %w", err)
	}
	jobs := make([]domain.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

type subscriptionRow struct {
	ID        uuid.UUID      `db:"id"`
	OwnerID   string         `db:"owner_id"`
	URL       string         `db:"url"`
	Secret    string         `db:"secret"`
	Events    pq.StringArray `db:"events"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r subscriptionRow) subscription() domain.Subscription {
	sub := domain.Subscription{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		URL:       r.URL,
		Secret:    r.Secret,
		CreatedAt: r.CreatedAt.UTC(),
	}
	for _, e := range r.Events {
		sub.Events = append(sub.Events, domain.EventType(e))
	}
	return sub
}

func (s *Store) PutSubscription(ctx context.Context, sub domain.Subscription) error {
	events := make(pq.StringArray, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := s.db.ExecContext(ctx, queryPutSubscription,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, events, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("put subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	var row subscriptionRow
	if err := s.db.GetContext(ctx, &row, queryGetSubscription, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, domain.ErrSubscriptionNotFound
		}
		return domain.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return row.subscription(), nil
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, queryListSubscriptions, ownerID); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	subs := make([]domain.Subscription, len(rows))
	for i, r := range rows {
		subs[i] = r.subscription()
	}
	return subs, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, ownerID string, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, queryDeleteSubscription, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		a.ID, a.DeliveryID, a.SubscriptionID, string(a.EventType), a.JobID,
		a.Attempt, a.StatusCode, a.Error, a.StartedAt, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

var (
	_ lifecycle.Store            = (*Store)(nil)
	_ notifier.SubscriptionStore = (*Store)(nil)
	_ notifier.AttemptStore      = (*Store)(nil)
	_ relay.SubscriptionGetter   = (*Store)(nil)
	_ relay.AttemptStore         = (*Store)(nil)
)
