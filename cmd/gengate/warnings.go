package main

import (
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/config"
)

// logConfigWarnings flags valid but risky combinations at startup.
func logConfigWarnings(cfg config.Config, logger zerolog.Logger) {
	if !cfg.ReconcileEnabled {
		logger.Warn().Str("severity", "P0").
			Msg("gengate: RECONCILE_ENABLED=false; jobs stranded by a crash keep their quota slot until POST /admin/jobs/reconcile is called")
	}

	if cfg.QuotaBackend == config.QuotaBackendMemory && cfg.DatabaseURL != "" {
		logger.Warn().Str("severity", "P0").
			Msg("gengate: QUOTA_BACKEND=memory with DATABASE_URL set; quotas are per process and not shared between instances")
	}

	if cfg.ReconcileEnabled && cfg.DatabaseURL == "" {
		logger.Warn().Str("severity", "P1").
			Msg("gengate: RECONCILE_ENABLED=true without DATABASE_URL; every instance sweeps its own memory store")
	}

	if !cfg.MetricsEnabled {
		logger.Warn().Str("severity", "P1").
			Msg("gengate: METRICS_ENABLED=false; breaker and admission state are only visible through the API")
	}

	if cfg.AMQPURL == "" {
		logger.Info().
			Msg("gengate: AMQP_URL not set; each webhook is attempted once with no retry")
	}
}
