package domain

import (
	"errors"
	"fmt"
)

// Rejections raised before or around a provider call. None of them is
// retried internally.
var (
	ErrQuotaExceeded       = errors.New("daily quota exceeded")
	ErrConcurrencyExceeded = errors.New("concurrent generation limit reached")
	ErrAdmissionTimeout    = errors.New("admission wait exceeded")
	ErrCircuitOpen         = errors.New("provider circuit is open")
	ErrProviderFailure     = errors.New("provider failure")
	ErrStuckJobTimeout     = errors.New(StuckJobReason)
)

// ErrSubscriptionNotFound is returned by subscription stores.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Reason is the machine-readable code attached to a rejection.
type Reason string

const (
	ReasonQuotaExceeded       Reason = "quota_exceeded"
	ReasonConcurrencyExceeded Reason = "concurrency_exceeded"
	ReasonAdmissionTimeout    Reason = "admission_timeout"
	ReasonCircuitOpen         Reason = "circuit_open"
	ReasonProviderFailure     Reason = "provider_failure"
	ReasonStuckJobTimeout     Reason = "stuck_job_timeout"
)

// ReasonOf maps err onto the rejection taxonomy. It returns "" for errors
// outside it.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrConcurrencyExceeded):
		return ReasonConcurrencyExceeded
	case errors.Is(err, ErrAdmissionTimeout):
		return ReasonAdmissionTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrProviderFailure):
		return ReasonProviderFailure
	case errors.Is(err, ErrStuckJobTimeout):
		return ReasonStuckJobTimeout
	default:
		return ""
	}
}

// ProviderError wraps an error returned by an upstream provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }
