package config

import (
	"fmt"
	"time"

	"github.com/djlord-it/gengate/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch cfg.QuotaBackend {
	case QuotaBackendMemory:
	case QuotaBackendRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when QUOTA_BACKEND=redis")
		}
	case QuotaBackendPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when QUOTA_BACKEND=postgres")
		}
	default:
		add("QUOTA_BACKEND", fmt.Sprintf("must be 'memory', 'redis' or 'postgres', got %q", cfg.QuotaBackend))
	}

	if cfg.QuotaDailyLimit < -1 {
		add("QUOTA_DAILY_LIMIT", "must be -1 (unlimited) or non-negative")
	}
	if cfg.QuotaConcurrentLimit < -1 {
		add("QUOTA_CONCURRENT_LIMIT", "must be -1 (unlimited) or non-negative")
	}

	if _, err := cron.ParseReset(cfg.QuotaResetSchedule, cfg.QuotaResetTimezone); err != nil {
		add("QUOTA_RESET_SCHEDULE", err.Error())
	}

	for _, d := range []struct {
		field, value string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"ADMISSION_MAX_WAIT", cfg.AdmissionMaxWaitStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"CIRCUIT_BREAKER_MAX_COOLDOWN", cfg.CircuitBreakerMaxCooldownStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
		{"WEBHOOK_TIMEOUT", cfg.WebhookTimeoutStr},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			add(d.field, fmt.Sprintf("invalid duration: %v", err))
		} else if parsed <= 0 {
			add(d.field, "must be positive")
		}
	}

	if cfg.CircuitBreakerMaxCooldown > 0 && cfg.CircuitBreakerMaxCooldown < cfg.CircuitBreakerCooldown {
		add("CIRCUIT_BREAKER_MAX_COOLDOWN", "must not be shorter than CIRCUIT_BREAKER_COOLDOWN")
	}

	if cfg.ReconcileEnabled && cfg.ReconcileThreshold > 0 && cfg.ReconcileThreshold <= cfg.AdmissionMaxWait {
		add("RECONCILE_THRESHOLD", "must exceed ADMISSION_MAX_WAIT")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
