package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Quota ledger metrics
	QuotaDecision(outcome string)

	// Admission queue metrics
	AdmissionWaitObserve(wait time.Duration)
	AdmissionTimeout()
	AdmissionInFlightUpdate(n int)
	AdmissionWaitingUpdate(n int)

	// Circuit breaker metrics
	CircuitTransition(provider, from, to string)
	CircuitRejected(provider string)

	// Provider metrics
	ProviderCallCompleted(provider, outcome string, duration time.Duration)

	// Job lifecycle metrics
	JobFinished(status string)
	JobsReconciled(count int)

	// Webhook metrics
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	RelayRetry()
	RelayDeadLetter()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for QuotaDecision and ProviderCallCompleted.
const (
	OutcomeGranted             = "granted"
	OutcomeQuotaExceeded       = "quota_exceeded"
	OutcomeConcurrencyExceeded = "concurrency_exceeded"
	OutcomeError               = "error"

	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// StatusClass constants for WebhookAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusClassTimeout
		}

		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
