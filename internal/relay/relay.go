// Package relay provides at-least-once webhook delivery on top of a
// message broker. A failed retryable attempt is republished with a delay;
// exhausted or non-retryable deliveries are parked on a dead-letter queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/webhook"
)

// DefaultMaxAttempts is the number of attempts before a delivery is
// dead-lettered.
const DefaultMaxAttempts = 6

// Delivery is a consumed message awaiting acknowledgement.
type Delivery struct {
	Message Message
	Ack     func() error
	Nack    func(requeue bool) error
}

// Broker moves messages between the work, retry and dead-letter queues.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	PublishRetry(ctx context.Context, msg Message, delay time.Duration) error
	PublishDead(ctx context.Context, msg Message, reason string) error
	Consume(ctx context.Context) (<-chan Delivery, error)
}

type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
}

type AttemptStore interface {
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

type Sender interface {
	Deliver(ctx context.Context, req webhook.Request) webhook.Result
}

// MetricsSink defines the interface for recording relay metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RelayRetry()
	RelayDeadLetter()
}

// Relay consumes queued deliveries and performs them.
type Relay struct {
	broker      Broker
	subs        SubscriptionGetter
	attempts    AttemptStore
	sender      Sender
	backoff     Strategy
	maxAttempts int
	clock       func() time.Time
	metrics     MetricsSink // optional, nil = disabled
	logger      zerolog.Logger
}

func New(broker Broker, subs SubscriptionGetter, attempts AttemptStore, sender Sender) *Relay {
	return &Relay{
		broker:      broker,
		subs:        subs,
		attempts:    attempts,
		sender:      sender,
		backoff:     DefaultBackoff(),
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		logger:      zerolog.Nop(),
	}
}

func (r *Relay) WithBackoff(s Strategy) *Relay {
	r.backoff = s
	return r
}

// WithMaxAttempts sets the attempt budget. Values below 1 are ignored.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n >= 1 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// WithMetrics attaches a metrics sink to the relay.
func (r *Relay) WithMetrics(sink MetricsSink) *Relay {
	r.metrics = sink
	return r
}

func (r *Relay) WithLogger(logger zerolog.Logger) *Relay {
	r.logger = logger
	return r
}

// Run consumes deliveries until ctx is cancelled or the broker closes the
// stream. A message is acked once Handle has settled it and requeued when
// Handle fails.
func (r *Relay) Run(ctx context.Context) error {
	deliveries, err := r.broker.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("relay: delivery stream closed")
			}
			r.settle(ctx, d)
		}
	}
}

func (r *Relay) settle(ctx context.Context, d Delivery) {
	if err := r.Handle(ctx, d.Message); err != nil {
		r.logger.Error().Err(err).
			Str("delivery_id", d.Message.DeliveryID.String()).
			Msg("relay: handle failed, requeueing")
		if nackErr := d.Nack(true); nackErr != nil {
			r.logger.Error().Err(nackErr).Msg("relay: nack failed")
		}
		return
	}
	if err := d.Ack(); err != nil {
		r.logger.Error().Err(err).Msg("relay: ack failed")
	}
}

// Handle performs one attempt of msg and schedules what follows. A nil
// return means the message is settled and may be acked.
func (r *Relay) Handle(ctx context.Context, msg Message) error {
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	log := r.logger.With().
		Str("delivery_id", msg.DeliveryID.String()).
		Str("subscription_id", msg.SubscriptionID.String()).
		Int("attempt", msg.Attempt).
		Logger()

	sub, err := r.subs.GetSubscription(ctx, msg.SubscriptionID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		log.Info().Msg("relay: subscription removed, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}

	startedAt := r.clock()
	res := r.sender.Deliver(ctx, webhook.Request{
		URL:        sub.URL,
		Secret:     sub.Secret,
		DeliveryID: msg.DeliveryID,
		Payload:    msg.Payload,
	})

	if err := r.attempts.InsertDeliveryAttempt(ctx, AttemptFor(msg, res, startedAt)); err != nil {
		log.Warn().Err(err).Msg("relay: failed to record attempt")
	}

	if res.OK {
		log.Debug().Int("status", res.StatusCode).Msg("relay: delivered")
		return nil
	}

	if !res.IsRetryable() || msg.Attempt >= r.maxAttempts {
		reason := deadReason(res, msg.Attempt >= r.maxAttempts)
		log.Warn().Int("status", res.StatusCode).Str("reason", reason).Msg("relay: dead-lettering delivery")
		if r.metrics != nil {
			r.metrics.RelayDeadLetter()
		}
		return r.broker.PublishDead(ctx, msg, reason)
	}

	delay := r.backoff.Delay(msg.Attempt)
	next := msg
	next.Attempt++
	log.Info().Int("status", res.StatusCode).Str("error", res.Error).Dur("delay", delay).Msg("relay: scheduling retry")
	if r.metrics != nil {
		r.metrics.RelayRetry()
	}
	return r.broker.PublishRetry(ctx, next, delay)
}

func deadReason(res webhook.Result, exhausted bool) string {
	switch {
	case exhausted:
		return "max attempts reached"
	case res.StatusCode != 0:
		return "status " + strconv.Itoa(res.StatusCode)
	default:
		return res.Error
	}
}
