package domain

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderHealth is a point-in-time view of one provider's circuit.
type ProviderHealth struct {
	ProviderID          string       `json:"provider_id"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Openings            int          `json:"openings"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	LastProbeAt         *time.Time   `json:"last_probe_at,omitempty"`
	OpenedUntil         *time.Time   `json:"opened_until,omitempty"`
}
