// Package notifier turns job events into webhook deliveries for every
// subscription that wants them.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/relay"
	"github.com/djlord-it/gengate/internal/webhook"
)

// ErrSubscriptionNotFound is returned by subscription stores.
var ErrSubscriptionNotFound = domain.ErrSubscriptionNotFound

// DrainTimeout is the maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error)
}

type AttemptStore interface {
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

type Sender interface {
	Deliver(ctx context.Context, req webhook.Request) webhook.Result
}

// Enqueuer hands a delivery to the durable relay.
type Enqueuer interface {
	Publish(ctx context.Context, msg relay.Message) error
}

// DefaultWorkers bounds concurrent deliveries when WithWorkers is not used.
const DefaultWorkers = 16

// Notifier fans job events out to subscriptions. Without an Enqueuer each
// delivery is attempted exactly once in-process.
type Notifier struct {
	subs     SubscriptionStore
	attempts AttemptStore
	sender   Sender
	relay    Enqueuer // optional, nil = deliver directly
	workers  int
	clock    func() time.Time
	logger   zerolog.Logger
}

func New(subs SubscriptionStore, attempts AttemptStore, sender Sender) *Notifier {
	return &Notifier{
		subs:     subs,
		attempts: attempts,
		sender:   sender,
		workers:  DefaultWorkers,
		clock:    time.Now,
		logger:   zerolog.Nop(),
	}
}

// WithRelay routes deliveries through the durable relay.
func (n *Notifier) WithRelay(e Enqueuer) *Notifier {
	n.relay = e
	return n
}

// WithWorkers sets how many deliveries may run at once. Values below 1 are
// ignored.
func (n *Notifier) WithWorkers(workers int) *Notifier {
	if workers > 0 {
		n.workers = workers
	}
	return n
}

func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

func (n *Notifier) WithLogger(logger zerolog.Logger) *Notifier {
	n.logger = logger
	return n
}

// Run processes events from the channel until context is cancelled.
// Deliveries run on the worker pool, so the channel keeps draining while an
// endpoint is slow; Run only waits when every worker is busy. After
// cancellation, it drains remaining buffered events and in-flight deliveries
// with a timeout.
func (n *Notifier) Run(ctx context.Context, ch <-chan domain.JobEvent) {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var g errgroup.Group
	g.SetLimit(n.workers)

	for {
		select {
		case <-ctx.Done():
			n.drain(workCtx, cancelWork, &g, ch)
			return
		case event, ok := <-ch:
			if !ok {
				_ = g.Wait()
				return
			}
			n.schedule(workCtx, &g, event)
		}
	}
}

// schedule fans event out on g, logging failures.
func (n *Notifier) schedule(ctx context.Context, g *errgroup.Group, event domain.JobEvent) {
	report := func(err error) {
		n.logger.Error().Err(err).Str("job_id", event.Job.ID.String()).Msg("notifier: notify failed")
	}
	if err := n.fanOut(ctx, g, event, report); err != nil {
		report(err)
	}
}

func (n *Notifier) drain(ctx context.Context, cancel context.CancelFunc, g *errgroup.Group, ch <-chan domain.JobEvent) {
	timer := time.NewTimer(DrainTimeout)
	defer timer.Stop()

	count := 0
	timedOut := false
collect:
	for {
		select {
		case <-timer.C:
			timedOut = true
			break collect
		case event, ok := <-ch:
			if !ok {
				break collect
			}
			n.schedule(ctx, g, event)
			count++
		default:
			break collect
		}
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	if !timedOut {
		select {
		case <-done:
		case <-timer.C:
			timedOut = true
		}
	}
	if timedOut {
		n.logger.Warn().Int("events", count).Msg("notifier: drain timeout")
		cancel()
		<-done
		return
	}
	if count > 0 {
		n.logger.Info().Int("events", count).Msg("notifier: drain complete")
	}
}

// Notify delivers event to every matching subscription of the job owner and
// waits for the deliveries. Failures for one subscription do not stop the
// others.
func (n *Notifier) Notify(ctx context.Context, event domain.JobEvent) error {
	var g errgroup.Group
	g.SetLimit(n.workers)

	var mu sync.Mutex
	var errs []error
	err := n.fanOut(ctx, &g, event, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	_ = g.Wait()
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// fanOut starts one delivery per matching subscription on g. Go blocks while
// the pool is full.
func (n *Notifier) fanOut(ctx context.Context, g *errgroup.Group, event domain.JobEvent, report func(error)) error {
	subs, err := n.subs.ListSubscriptions(ctx, event.Job.OwnerID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	payload := webhook.PayloadForEvent(event)
	for _, sub := range subs {
		if !sub.Matches(event.Type) {
			continue
		}
		msg := relay.Message{
			DeliveryID:     uuid.New(),
			SubscriptionID: sub.ID,
			Payload:        payload,
			Attempt:        1,
		}
		sub := sub
		g.Go(func() error {
			if err := n.dispatch(ctx, sub, msg); err != nil {
				report(fmt.Errorf("subscription %s: %w", sub.ID, err))
			}
			return nil
		})
	}
	return nil
}

func (n *Notifier) dispatch(ctx context.Context, sub domain.Subscription, msg relay.Message) error {
	if n.relay != nil {
		return n.relay.Publish(ctx, msg)
	}

	startedAt := n.clock()
	res := n.sender.Deliver(ctx, webhook.Request{
		URL:        sub.URL,
		Secret:     sub.Secret,
		DeliveryID: msg.DeliveryID,
		Payload:    msg.Payload,
	})
	if err := n.attempts.InsertDeliveryAttempt(ctx, relay.AttemptFor(msg, res, startedAt)); err != nil {
		n.logger.Warn().Err(err).Msg("notifier: failed to record attempt")
	}
	if !res.OK {
		n.logger.Warn().
			Str("subscription_id", sub.ID.String()).
			Str("event", string(msg.Payload.Event)).
			Int("status", res.StatusCode).
			Str("error", res.Error).
			Msg("notifier: delivery failed")
	}
	return nil
}
