package relay

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/webhook"
)

// Message is one queued delivery. Attempt starts at 1 and DeliveryID is
// kept for every retry.
type Message struct {
	DeliveryID     uuid.UUID       `json:"delivery_id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Payload        webhook.Payload `json:"payload"`
	Attempt        int             `json:"attempt"`
}

// Strategy computes the wait before the next attempt.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialWithJitter returns a random delay in
// [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec
}

// DefaultBackoff starts at 30 seconds and caps at 30 minutes.
func DefaultBackoff() Strategy {
	return ExponentialWithJitter{Initial: 30 * time.Second, Max: 30 * time.Minute}
}

// AttemptFor builds the record of one delivery attempt.
func AttemptFor(msg Message, res webhook.Result, startedAt time.Time) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{
		ID:             uuid.New(),
		DeliveryID:     msg.DeliveryID,
		SubscriptionID: msg.SubscriptionID,
		EventType:      msg.Payload.Event,
		Attempt:        msg.Attempt,
		StatusCode:     res.StatusCode,
		Error:          res.Error,
		StartedAt:      startedAt.UTC(),
		FinishedAt:     startedAt.Add(res.Duration).UTC(),
	}
	if id, err := uuid.Parse(msg.Payload.JobID); err == nil {
		a.JobID = &id
	}
	if a.Error == "" && !res.OK {
		a.Error = "unexpected status"
	}
	return a
}
