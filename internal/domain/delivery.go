package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventJobQueued    EventType = "job.queued"
	EventJobRunning   EventType = "job.running"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"

	// EventTest validates a webhook destination without a job.
	EventTest EventType = "test"
)

// EventForStatus maps a job status to the event announcing it.
func EventForStatus(s JobStatus) EventType {
	switch s {
	case JobStatusRunning:
		return EventJobRunning
	case JobStatusSucceeded:
		return EventJobSucceeded
	case JobStatusFailed:
		return EventJobFailed
	default:
		return EventJobQueued
	}
}

// JobEvent is published on the event bus after every job transition.
type JobEvent struct {
	Type       EventType
	Job        Job
	OccurredAt time.Time
}

// Subscription is a webhook endpoint registered by a user.
// An empty Events list matches every job event.
type Subscription struct {
	ID      uuid.UUID
	OwnerID string
	URL     string
	Secret  string // HMAC secret
	Events  []EventType

	CreatedAt time.Time
}

// Matches reports whether the subscription wants events of type t.
func (s Subscription) Matches(t EventType) bool {
	if t == EventTest || len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// DeliveryAttempt records one outbound webhook POST.
// DeliveryID is shared by every retry of the same delivery.
type DeliveryAttempt struct {
	ID             uuid.UUID
	DeliveryID     uuid.UUID
	SubscriptionID uuid.UUID
	EventType      EventType
	JobID          *uuid.UUID
	Attempt        int

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
