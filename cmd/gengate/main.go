package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/admission"
	"github.com/djlord-it/gengate/internal/api"
	"github.com/djlord-it/gengate/internal/circuitbreaker"
	"github.com/djlord-it/gengate/internal/config"
	"github.com/djlord-it/gengate/internal/gateway"
	"github.com/djlord-it/gengate/internal/leaderelection"
	"github.com/djlord-it/gengate/internal/logging"
	"github.com/djlord-it/gengate/internal/metrics"
	"github.com/djlord-it/gengate/internal/notifier"
	"github.com/djlord-it/gengate/internal/provider"
	"github.com/djlord-it/gengate/internal/reconciler"
	"github.com/djlord-it/gengate/internal/relay"
	"github.com/djlord-it/gengate/internal/transport/channel"
	"github.com/djlord-it/gengate/internal/webhook"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "reconcile":
		os.Exit(runReconcile())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`gengate - generation admission and delivery gateway

Usage:
  gengate <command>

Commands:
  serve      Start the HTTP gateway, notifier and stuck-job sweeper
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  reconcile  Run one stuck-job sweep and print the number of jobs failed
  version    Print version information

Environment Variables:
  APP_ENV                      "development" enables console logs (default: "production")
  LOG_LEVEL                    zerolog level (default: "info")
  HTTP_ADDR                    HTTP server address (default: ":8080")
  DATABASE_URL                 PostgreSQL connection string (optional; memory stores when empty)
  REDIS_ADDR                   Redis address for the shared ledger and sweep lock (optional)
  AMQP_URL                     RabbitMQ URL for durable webhook delivery (optional)
  PROVIDERS_FILE               YAML provider catalog

  QUOTA_BACKEND                memory | redis | postgres (default: redis when REDIS_ADDR is set)
  QUOTA_DAILY_LIMIT            Default daily limit, -1 = unlimited (default: "50")
  QUOTA_CONCURRENT_LIMIT       Default concurrency limit, -1 = unlimited (default: "3")
  QUOTA_RESET_SCHEDULE         Daily reset cron expression (default: "0 0 * * *")
  QUOTA_RESET_TIMEZONE         Reset timezone (default: "UTC")

  ADMISSION_CONCURRENCY        Provider calls in flight per process (default: "10")
  ADMISSION_MAX_WAIT           Max queue wait before a job fails (default: "45s")
  ADMISSION_RATE_LIMIT         Provider calls per second, 0 = unpaced (default: "0")
  ADMISSION_RATE_BURST         Pacing burst (default: concurrency)

  CIRCUIT_BREAKER_THRESHOLD    Consecutive failures that open a circuit (default: "5")
  CIRCUIT_BREAKER_COOLDOWN     First open period (default: "30s")
  CIRCUIT_BREAKER_MAX_COOLDOWN Cap for repeated openings (default: "10m")

  RECONCILE_ENABLED            Run the periodic stuck-job sweep (default: "false")
  RECONCILE_INTERVAL           Sweep interval (default: "1m")
  RECONCILE_THRESHOLD          Age before a job is stuck (default: "5m")
  RECONCILE_BATCH_SIZE         Max jobs failed per sweep (default: "100")

  WEBHOOK_TIMEOUT              Per-delivery HTTP timeout (default: "8s")
  EVENTBUS_BUFFER_SIZE         Job event buffer (default: "256")
  RELAY_MAX_ATTEMPTS           Relay attempts before dead-lettering (default: "6")

  METRICS_ENABLED              Enable Prometheus metrics (default: "false")
  METRICS_PATH                 Metrics endpoint path (default: "/metrics")
  METRICS_PORT                 Metrics server port (default: "9090")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)
	logConfigWarnings(cfg, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	b, err := openBackends(startCtx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("gengate: startup failed")
		return exitRuntimeError
	}
	defer b.Close()

	catalog := provider.NewCatalog()
	if cfg.ProvidersFile != "" {
		catalog, err = provider.LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			logger.Error().Err(err).Msg("gengate: startup failed")
			return exitRuntimeError
		}
	} else {
		logger.Warn().Msg("gengate: PROVIDERS_FILE not set; every submission will be rejected")
	}

	// Initialize metrics sink (optional)
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		logger.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("gengate: metrics enabled")

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("gengate: metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("gengate: metrics server error")
			}
		}()
	} else {
		logger.Info().Msg("gengate: METRICS_ENABLED not set; metrics disabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))
	jobs := b.newLifecycle(cfg, bus, sink, logger)

	queue := admission.New(admission.Config{
		Concurrency: cfg.AdmissionConcurrency,
		MaxWait:     cfg.AdmissionMaxWait,
		RateLimit:   cfg.AdmissionRateLimit,
		RateBurst:   cfg.AdmissionRateBurst,
	}).WithMetrics(sink)

	breakers := circuitbreaker.New(circuitbreaker.Config{
		Threshold:   cfg.CircuitBreakerThreshold,
		Cooldown:    cfg.CircuitBreakerCooldown,
		MaxCooldown: cfg.CircuitBreakerMaxCooldown,
	}).WithMetrics(sink).WithLogger(logger)
	breakers.Register(catalog.Names()...)

	gw := gateway.New(catalog, b.ledger, queue, breakers, jobs).
		WithMetrics(sink).
		WithLogger(logger)

	sender := webhook.New(cfg.WebhookTimeout).WithMetrics(sink)
	notify := notifier.New(b.store, b.store, sender).
		WithWorkers(cfg.NotifierWorkers).
		WithLogger(logger)

	var broker *relay.AMQPBroker
	if cfg.AMQPURL != "" {
		broker, err = relay.DialAMQP(relay.DefaultAMQPConfig(cfg.AMQPURL), logger)
		if err != nil {
			logger.Error().Err(err).Msg("gengate: startup failed")
			return exitRuntimeError
		}
		defer broker.Close()
		notify = notify.WithRelay(broker)
		logger.Info().Msg("gengate: durable webhook relay enabled")
	}

	recon := b.newReconciler(cfg, jobs, logger)

	apiHandler := api.NewHandler(gw).
		WithSubscriptions(b.store, sender).
		WithReconciler(recon).
		WithLogger(logger)
	if b.pg != nil {
		apiHandler = apiHandler.WithHealthChecker(b.pg)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("gengate: http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("gengate: http server error")
		}
	}()

	// Separate contexts for the sweeper and notifier enable ordered shutdown.
	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	var notifierWg sync.WaitGroup
	notifierWg.Add(1)
	go func() {
		defer notifierWg.Done()
		notify.Run(notifierCtx, bus.Channel())
	}()

	var sweepWg sync.WaitGroup
	var cancelSweep context.CancelFunc
	if cfg.ReconcileEnabled {
		var sweepCtx context.Context
		sweepCtx, cancelSweep = context.WithCancel(context.Background())
		sweepWg.Add(1)
		if b.pg != nil {
			elector := newSweepElector(cfg, b, recon, sink, logger)
			go func() {
				defer sweepWg.Done()
				elector.Run(sweepCtx)
			}()
		} else {
			go func() {
				defer sweepWg.Done()
				recon.Run(sweepCtx)
			}()
		}
		logger.Info().
			Dur("interval", cfg.ReconcileInterval).
			Dur("threshold", cfg.ReconcileThreshold).
			Int("batch", cfg.ReconcileBatchSize).
			Bool("leader_election", b.pg != nil).
			Msg("gengate: stuck-job sweeper enabled")
	} else {
		logger.Info().Msg("gengate: RECONCILE_ENABLED not set; periodic sweep disabled")
	}

	logger.Info().
		Str("version", version).
		Strs("providers", catalog.Names()).
		Int("concurrency", cfg.AdmissionConcurrency).
		Dur("max_wait", cfg.AdmissionMaxWait).
		Msg("gengate: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("gengate: shutting down")

	// Phase 1: Stop accepting submissions; in-flight requests finish.
	logger.Info().Msg("gengate: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gengate: http server shutdown error")
	}
	logger.Info().Msg("gengate: http server stopped")

	// Phase 2: Stop the sweeper (no new terminal events).
	if cancelSweep != nil {
		logger.Info().Msg("gengate: stopping sweeper...")
		cancelSweep()
		sweepWg.Wait()
		logger.Info().Msg("gengate: sweeper stopped")
	}

	// Phase 3: Stop the notifier (drains buffered events before returning).
	logger.Info().Msg("gengate: stopping notifier (draining events)...")
	cancelNotifier()
	notifierWg.Wait()
	logger.Info().Msg("gengate: notifier stopped")

	// Phase 4: Stop metrics server if running.
	if metricsServer != nil {
		logger.Info().Msg("gengate: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Error().Err(err).Msg("gengate: metrics server shutdown error")
		}
		logger.Info().Msg("gengate: metrics server stopped")
	}

	logger.Info().Msg("gengate: stopped")
	return exitSuccess
}

// newSweepElector runs the periodic sweep only while this instance holds
// the Postgres advisory lock.
func newSweepElector(cfg config.Config, b *backends, recon *reconciler.Reconciler, sink metrics.Sink, logger zerolog.Logger) *leaderelection.Elector {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	onElected := func(ctx context.Context) {
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			return
		}
		wg.Add(1)
		mu.Unlock()
		defer wg.Done()
		recon.Run(ctx)
	}
	// The elector cancels the leader context before calling onDemoted, so
	// any onElected that has not registered yet will bail out.
	onDemoted := func() {
		mu.Lock()
		defer mu.Unlock()
		wg.Wait()
	}
	return leaderelection.New(leaderelection.Config{
		LockKey:           cfg.LeaderLockKey,
		RetryInterval:     cfg.LeaderRetryInterval,
		HeartbeatInterval: cfg.LeaderHeartbeatInterval,
	}, leaderelection.NewPostgresLocker(b.pg.DB()), onElected, onDemoted).
		WithMetrics(sink).
		WithLogger(logger)
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runReconcile() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "reconcile requires DATABASE_URL")
		return exitInvalidConfig
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer b.Close()

	jobs := b.newLifecycle(cfg, nil, metrics.NewNoopSink(), logger)
	n, err := b.newReconciler(cfg, jobs, logger).RunOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		return exitRuntimeError
	}

	fmt.Printf("failed %d stuck job(s)\n", n)
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("gengate version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
