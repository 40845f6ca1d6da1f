// Package leaderelection elects one instance to run fleet duties such as
// the periodic stuck-job sweep.
//
// The default backend is a Postgres session-scoped advisory lock held on a
// dedicated connection. There is no renewal or TTL: if the connection dies,
// Postgres releases the lock server-side. The heartbeat ping only detects
// local connection death so the leader can stop its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Session is a held leadership lock.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

// Locker makes one non-blocking attempt to take the lock. A nil Session
// with a nil error means another instance holds it.
type Locker interface {
	TryLock(ctx context.Context, key int64) (Session, error)
}

// Config holds election timing.
type Config struct {
	// LockKey: all instances sharing the same database must use the same key.
	LockKey int64

	// RetryInterval is how often a follower retries, and so the maximum
	// failover gap. Default: 5 seconds.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its session.
	// Default: 2 seconds.
	HeartbeatInterval time.Duration
}

// Elector manages leader election.
type Elector struct {
	config    Config
	locker    Locker
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	logger    zerolog.Logger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(config Config, locker Locker, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{
		config:    config,
		locker:    locker,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    zerolog.Nop(),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(logger zerolog.Logger) *Elector {
	e.logger = logger
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Int64("lock_key", e.config.LockKey).
		Dur("retry", e.config.RetryInterval).
		Dur("heartbeat", e.config.HeartbeatInterval).
		Msg("leader: starting election loop")

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			e.logger.Info().Msg("leader: election loop stopped")
			return
		}
		if reason != "" {
			e.logger.Warn().Str("reason", reason).Dur("retry_in", e.config.RetryInterval).
				Msg("leader: lost leadership")
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("leader: election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.locker.TryLock(ctx, e.config.LockKey)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("leader: lock attempt failed")
		}
		return ""
	}
	if session == nil {
		e.logger.Debug().Int64("lock_key", e.config.LockKey).Msg("leader: lock held by another instance")
		return ""
	}
	defer session.Close()

	e.logger.Info().Int64("lock_key", e.config.LockKey).Msg("leader: acquired lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, session)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info().Int64("lock_key", e.config.LockKey).Msg("leader: released lock")
	return reason
}

// hold pings the session until ctx ends or the ping fails.
func (e *Elector) hold(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.Error().Err(err).Msg("leader: session ping failed")
				return "conn_lost"
			}
		}
	}
}

// PostgresLocker takes pg_try_advisory_lock on a dedicated connection.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) TryLock(ctx context.Context, key int64) (Session, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, nil
	}
	return &pgSession{conn: conn, key: key}, nil
}

type pgSession struct {
	conn *sql.Conn
	key  int64
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks explicitly before returning the connection to the pool,
// where the session would otherwise keep the lock.
func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", s.key)
	return s.conn.Close()
}
