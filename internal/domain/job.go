package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// StuckJobReason is recorded on jobs force-failed by the stuck-job sweep.
const StuckJobReason = "Generation timed out"

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// queued -> running -> {succeeded, failed}. A queued job may also fail
// directly when it is never admitted.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusSucceeded || to == JobStatusFailed
	default:
		return false
	}
}

// Job is one generation request owned by a user and bound to a provider.
type Job struct {
	ID         uuid.UUID
	OwnerID    string
	ProviderID string

	Status  JobStatus
	Payload json.RawMessage
	Result  json.RawMessage

	ErrorReason string

	CreatedAt  time.Time
	StartedAt  *time.Time
	TerminalAt *time.Time
}
