package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Quota backends.
const (
	QuotaBackendMemory   = "memory"
	QuotaBackendRedis    = "redis"
	QuotaBackendPostgres = "postgres"
)

// Config holds all configuration for the gengate services.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	AppEnv   string `json:"app_env"`
	LogLevel string `json:"log_level,omitempty"`

	// DatabaseURL is optional; in-memory stores are used when empty.
	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	AMQPURL     string `json:"amqp_url,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// QuotaBackend: "memory", "redis" or "postgres". Defaults to redis when
	// REDIS_ADDR is set, memory otherwise.
	QuotaBackend         string `json:"quota_backend"`
	QuotaDailyLimit      int    `json:"quota_daily_limit"`
	QuotaConcurrentLimit int    `json:"quota_concurrent_limit"`
	QuotaResetSchedule   string `json:"quota_reset_schedule"`
	QuotaResetTimezone   string `json:"quota_reset_timezone"`

	AdmissionConcurrency int           `json:"admission_concurrency"`
	AdmissionMaxWait     time.Duration `json:"-"`
	AdmissionMaxWaitStr  string        `json:"admission_max_wait"`

	// AdmissionRateLimit paces provider calls per second; 0 disables pacing.
	AdmissionRateLimit float64 `json:"admission_rate_limit"`
	AdmissionRateBurst int     `json:"admission_rate_burst"`

	CircuitBreakerThreshold      int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown       time.Duration `json:"-"`
	CircuitBreakerCooldownStr    string        `json:"circuit_breaker_cooldown"`
	CircuitBreakerMaxCooldown    time.Duration `json:"-"`
	CircuitBreakerMaxCooldownStr string        `json:"circuit_breaker_max_cooldown"`

	ProvidersFile string `json:"providers_file,omitempty"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the longest provider timeout plus the
	// admission wait, or live jobs get swept.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`
	EventBusBufferSize int `json:"eventbus_buffer_size"`

	WebhookTimeout    time.Duration `json:"-"`
	WebhookTimeoutStr string        `json:"webhook_timeout"`
	RelayMaxAttempts  int           `json:"relay_max_attempts"`

	// NotifierWorkers bounds concurrent in-process webhook deliveries.
	NotifierWorkers int `json:"notifier_workers"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		AppEnv:                       os.Getenv("APP_ENV"),
		LogLevel:                     os.Getenv("LOG_LEVEL"),
		DatabaseURL:                  os.Getenv("DATABASE_URL"),
		RedisAddr:                    os.Getenv("REDIS_ADDR"),
		AMQPURL:                      os.Getenv("AMQP_URL"),
		HTTPAddr:                     os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:               os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:         os.Getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr:       os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		QuotaBackend:                 strings.ToLower(os.Getenv("QUOTA_BACKEND")),
		QuotaResetSchedule:           os.Getenv("QUOTA_RESET_SCHEDULE"),
		QuotaResetTimezone:           os.Getenv("QUOTA_RESET_TIMEZONE"),
		AdmissionMaxWaitStr:          os.Getenv("ADMISSION_MAX_WAIT"),
		CircuitBreakerCooldownStr:    os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		CircuitBreakerMaxCooldownStr: os.Getenv("CIRCUIT_BREAKER_MAX_COOLDOWN"),
		ProvidersFile:                os.Getenv("PROVIDERS_FILE"),
		MetricsEnabled:               os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                  os.Getenv("METRICS_PATH"),
		MetricsPort:                  os.Getenv("METRICS_PORT"),
		ReconcileEnabled:             os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:         os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:        os.Getenv("RECONCILE_THRESHOLD"),
		WebhookTimeoutStr:            os.Getenv("WEBHOOK_TIMEOUT"),
		LeaderRetryIntervalStr:       os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr:   os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if cfg.AppEnv == "" {
		cfg.AppEnv = "production"
	}

	// Limits accept -1 (unlimited), so they are parsed signed.
	cfg.QuotaDailyLimit = envInt("QUOTA_DAILY_LIMIT", 50, -1)
	cfg.QuotaConcurrentLimit = envInt("QUOTA_CONCURRENT_LIMIT", 3, -1)
	cfg.AdmissionConcurrency = envInt("ADMISSION_CONCURRENCY", 10, 1)
	cfg.AdmissionRateBurst = envInt("ADMISSION_RATE_BURST", 0, 0)
	cfg.ReconcileBatchSize = envInt("RECONCILE_BATCH_SIZE", 100, 1)
	cfg.EventBusBufferSize = envInt("EVENTBUS_BUFFER_SIZE", 256, 1)
	cfg.RelayMaxAttempts = envInt("RELAY_MAX_ATTEMPTS", 6, 1)
	cfg.NotifierWorkers = envInt("NOTIFIER_WORKERS", 16, 1)
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25, 1)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5, 1)
	cfg.LeaderLockKey = int64(envInt("LEADER_LOCK_KEY", 728379, 1))
	cfg.CircuitBreakerThreshold = envInt("CIRCUIT_BREAKER_THRESHOLD", 5, 1)

	if rateStr := os.Getenv("ADMISSION_RATE_LIMIT"); rateStr != "" {
		if r, err := strconv.ParseFloat(rateStr, 64); err == nil && r >= 0 {
			cfg.AdmissionRateLimit = r
		} else {
			log.Warn().Str("value", rateStr).Msg("config: invalid ADMISSION_RATE_LIMIT, pacing disabled")
		}
	}

	if cfg.QuotaBackend == "" {
		cfg.QuotaBackend = QuotaBackendMemory
		if cfg.RedisAddr != "" {
			cfg.QuotaBackend = QuotaBackendRedis
		}
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	setDefault(&cfg.QuotaResetSchedule, "0 0 * * *")
	setDefault(&cfg.QuotaResetTimezone, "UTC")
	setDefault(&cfg.MetricsPath, "/metrics")
	setDefault(&cfg.MetricsPort, "9090")
	setDefault(&cfg.DBOpTimeoutStr, "5s")
	setDefault(&cfg.DBConnMaxLifetimeStr, "30m")
	setDefault(&cfg.HTTPShutdownTimeoutStr, "10s")
	setDefault(&cfg.AdmissionMaxWaitStr, "45s")
	setDefault(&cfg.CircuitBreakerCooldownStr, "30s")
	setDefault(&cfg.CircuitBreakerMaxCooldownStr, "10m")
	setDefault(&cfg.ReconcileIntervalStr, "1m")
	setDefault(&cfg.ReconcileThresholdStr, "5m")
	setDefault(&cfg.WebhookTimeoutStr, "8s")
	setDefault(&cfg.LeaderRetryIntervalStr, "5s")
	setDefault(&cfg.LeaderHeartbeatIntervalStr, "2s")

	// Parse durations; validation is handled separately by Validate().
	parseDuration(cfg.DBOpTimeoutStr, &cfg.DBOpTimeout)
	parseDuration(cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime)
	parseDuration(cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout)
	parseDuration(cfg.AdmissionMaxWaitStr, &cfg.AdmissionMaxWait)
	parseDuration(cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown)
	parseDuration(cfg.CircuitBreakerMaxCooldownStr, &cfg.CircuitBreakerMaxCooldown)
	parseDuration(cfg.ReconcileIntervalStr, &cfg.ReconcileInterval)
	parseDuration(cfg.ReconcileThresholdStr, &cfg.ReconcileThreshold)
	parseDuration(cfg.WebhookTimeoutStr, &cfg.WebhookTimeout)
	parseDuration(cfg.LeaderRetryIntervalStr, &cfg.LeaderRetryInterval)
	parseDuration(cfg.LeaderHeartbeatIntervalStr, &cfg.LeaderHeartbeatInterval)

	return cfg
}

// envInt reads an integer variable, falling back to def when it is unset,
// malformed or below floor.
func envInt(name string, def, floor int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < floor {
		log.Warn().Str("value", s).Int("default", def).Msgf("config: invalid %s, using default", name)
		return def
	}
	return n
}

func setDefault(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func parseDuration(s string, dst *time.Duration) {
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.AMQPURL = maskSecret(c.AMQPURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
