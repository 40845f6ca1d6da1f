package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/api"
	"github.com/djlord-it/gengate/internal/config"
	"github.com/djlord-it/gengate/internal/cron"
	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/metrics"
	"github.com/djlord-it/gengate/internal/notifier"
	"github.com/djlord-it/gengate/internal/quota"
	"github.com/djlord-it/gengate/internal/reconciler"
	"github.com/djlord-it/gengate/internal/store/memory"
	"github.com/djlord-it/gengate/internal/store/postgres"
)

// jobStore is everything serve needs from the persistence layer.
type jobStore interface {
	lifecycle.Store
	api.SubscriptionStore
	notifier.AttemptStore
}

// backends holds the connections opened for one process.
type backends struct {
	store  jobStore
	pg     *postgres.Store // nil with in-memory stores
	redis  *redis.Client   // nil when REDIS_ADDR is empty
	ledger quota.Ledger
}

func openBackends(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
		err = pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		b.pg = pg
		b.store = pg
	} else {
		logger.Warn().Msg("gengate: DATABASE_URL not set; jobs and subscriptions are kept in memory")
		b.store = memory.New()
	}

	if cfg.RedisAddr != "" {
		b.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("gengate: redis connected")
	}

	schedule, err := cron.ParseReset(cfg.QuotaResetSchedule, cfg.QuotaResetTimezone)
	if err != nil {
		b.Close()
		return nil, err
	}
	opts := quota.Options{
		Defaults: domain.QuotaLimits{
			DailyLimit:      cfg.QuotaDailyLimit,
			ConcurrentLimit: cfg.QuotaConcurrentLimit,
		},
		Schedule: schedule,
	}

	switch cfg.QuotaBackend {
	case config.QuotaBackendRedis:
		b.ledger = quota.NewRedisLedger(b.redis, opts)
	case config.QuotaBackendPostgres:
		b.ledger = b.pg.QuotaLedger(opts)
	default:
		b.ledger = quota.NewMemoryLedger(opts)
	}
	logger.Info().
		Str("backend", cfg.QuotaBackend).
		Int("daily_limit", cfg.QuotaDailyLimit).
		Int("concurrent_limit", cfg.QuotaConcurrentLimit).
		Str("reset", cfg.QuotaResetSchedule).
		Msg("gengate: quota ledger ready")

	return b, nil
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pg != nil {
		_ = b.pg.Close()
	}
}

// newReconciler builds the sweep driver. The fleet lock is only taken when
// Redis is configured.
func (b *backends) newReconciler(cfg config.Config, jobs *lifecycle.Manager, logger zerolog.Logger) *reconciler.Reconciler {
	recon := reconciler.New(reconciler.Config{
		Interval:  cfg.ReconcileInterval,
		Threshold: cfg.ReconcileThreshold,
	}, jobs).WithLogger(logger)
	if b.redis != nil {
		recon = recon.WithLocker(reconciler.NewRedisLocker(b.redis))
	}
	return recon
}

func (b *backends) newLifecycle(cfg config.Config, emitter lifecycle.EventEmitter, sink metrics.Sink, logger zerolog.Logger) *lifecycle.Manager {
	return lifecycle.New(b.store, b.ledger, emitter).
		WithMetrics(sink).
		WithLogger(logger).
		WithBatchSize(cfg.ReconcileBatchSize)
}
