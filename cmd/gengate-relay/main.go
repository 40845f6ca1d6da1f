package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/djlord-it/gengate/internal/config"
	"github.com/djlord-it/gengate/internal/logging"
	"github.com/djlord-it/gengate/internal/metrics"
	"github.com/djlord-it/gengate/internal/relay"
	"github.com/djlord-it/gengate/internal/store/postgres"
	"github.com/djlord-it/gengate/internal/webhook"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	_ = godotenv.Load()
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if cfg.AMQPURL == "" || cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "gengate-relay requires AMQP_URL and DATABASE_URL")
		return exitInvalidConfig
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("relay: startup failed")
		return exitRuntimeError
	}
	defer store.Close()

	broker, err := relay.DialAMQP(relay.DefaultAMQPConfig(cfg.AMQPURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("relay: startup failed")
		return exitRuntimeError
	}
	defer broker.Close()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("relay: metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("relay: metrics server error")
			}
		}()
	}

	sender := webhook.New(cfg.WebhookTimeout).WithMetrics(sink)
	r := relay.New(broker, store, store, sender).
		WithMaxAttempts(cfg.RelayMaxAttempts).
		WithMetrics(sink).
		WithLogger(logger)

	logger.Info().
		Int("max_attempts", cfg.RelayMaxAttempts).
		Dur("webhook_timeout", cfg.WebhookTimeout).
		Msg("relay: started")

	runErr := r.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("relay: metrics server shutdown error")
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("relay: stopped with error")
		return exitRuntimeError
	}
	logger.Info().Msg("relay: stopped")
	return exitSuccess
}
