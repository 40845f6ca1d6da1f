// Package reconciler periodically fails generation jobs that were left
// queued or running past a threshold, typically after a crash.
//
// The sweep itself lives in lifecycle.Manager.ReconcileStuck and is
// idempotent: terminal jobs are never touched, so overlapping sweeps are
// safe. When a Locker is configured, each cycle takes a fleet-wide lock so
// instances do not duplicate the work.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog"
)

// ErrSweepInProgress is returned by RunOnce when another instance holds
// the sweep lock.
var ErrSweepInProgress = errors.New("stuck-job sweep already in progress")

// Sweeper fails stuck jobs and reports how many it changed.
type Sweeper interface {
	ReconcileStuck(ctx context.Context, threshold time.Duration) (int, error)
}

// Locker serializes sweeps across instances. Obtain returns ErrSweepInProgress
// when the lock is held elsewhere.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is the age after which a non-terminal job is considered stuck.
	// Default: 5 minutes.
	Threshold time.Duration

	// LockKey names the fleet-wide sweep lock.
	// Default: "gengate:reconciler".
	LockKey string

	// LockTTL bounds how long a crashed holder blocks other instances.
	// Default: 2 minutes.
	LockTTL time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 5 * time.Minute,
		LockKey:   "gengate:reconciler",
		LockTTL:   2 * time.Minute,
	}
}

// Reconciler drives the stuck-job sweep.
type Reconciler struct {
	config  Config
	sweeper Sweeper
	locker  Locker // optional, nil = no fleet lock
	logger  zerolog.Logger
}

// New creates a new Reconciler. Zero fields in config take their defaults.
func New(config Config, sweeper Sweeper) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.LockKey == "" {
		config.LockKey = def.LockKey
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	return &Reconciler{
		config:  config,
		sweeper: sweeper,
		logger:  zerolog.Nop(),
	}
}

// WithLocker enables the fleet-wide sweep lock.
func (r *Reconciler) WithLocker(l Locker) *Reconciler {
	r.locker = l
	return r
}

func (r *Reconciler) WithLogger(logger zerolog.Logger) *Reconciler {
	r.logger = logger
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("threshold", r.config.Threshold).
		Bool("locked", r.locker != nil).
		Msg("reconciler: started")

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	n, err := r.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		r.logger.Debug().Msg("reconciler: sweep held by another instance, skipping")
	case err != nil:
		// Store error: log and abort cycle. Will retry next interval.
		r.logger.Error().Err(err).Msg("reconciler: sweep failed")
	case n > 0:
		r.logger.Info().Int("failed", n).Msg("reconciler: cycle complete")
	}
}

// RunOnce performs one sweep and returns the number of jobs it failed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		release, err := r.locker.Obtain(ctx, r.config.LockKey, r.config.LockTTL)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn().Err(err).Msg("reconciler: failed to release sweep lock")
			}
		}()
	}
	return r.sweeper.ReconcileStuck(ctx, r.config.Threshold)
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSweepInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain sweep lock: %w", err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
