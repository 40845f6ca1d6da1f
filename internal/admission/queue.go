// Package admission bounds how many generations run at once in this
// process and how long a request may wait for its turn.
//
// Waiters are served in arrival order. A task that is not started within
// its maximum wait is evicted with domain.ErrAdmissionTimeout and never
// runs. The queue knows nothing about users, quotas or providers.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/djlord-it/gengate/internal/domain"
)

// MetricsSink receives queue events. Methods must not block.
type MetricsSink interface {
	AdmissionWaitObserve(wait time.Duration)
	AdmissionTimeout()
	AdmissionInFlightUpdate(n int)
	AdmissionWaitingUpdate(n int)
}

// Config holds queue limits.
type Config struct {
	// Concurrency is the number of tasks that may run at once.
	// Default: 10.
	Concurrency int

	// MaxWait bounds the time from Submit to task start.
	// Default: 45 seconds.
	MaxWait time.Duration

	// RateLimit paces task starts per second. Zero disables pacing.
	RateLimit float64

	// RateBurst is the pacing burst. Default: Concurrency.
	RateBurst int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
		MaxWait:     45 * time.Second,
	}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Concurrency int `json:"concurrency"`
	Running     int `json:"running"`
	Waiting     int `json:"waiting"`
}

// Queue is a FIFO concurrency gate.
type Queue struct {
	config  Config
	slots   *semaphore.Weighted
	limiter *rate.Limiter // optional, nil = no pacing
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled

	running atomic.Int64
	waiting atomic.Int64
}

// New creates a Queue. Zero fields in config take their defaults.
func New(config Config) *Queue {
	def := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.RateBurst <= 0 {
		config.RateBurst = config.Concurrency
	}

	q := &Queue{
		config: config,
		slots:  semaphore.NewWeighted(int64(config.Concurrency)),
		clock:  time.Now,
	}
	if config.RateLimit > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}
	return q
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

// MaxWait returns the configured default wait bound.
func (q *Queue) MaxWait() time.Duration {
	return q.config.MaxWait
}

// Stats returns the current occupancy.
func (q *Queue) Stats() Stats {
	return Stats{
		Concurrency: q.config.Concurrency,
		Running:     int(q.running.Load()),
		Waiting:     int(q.waiting.Load()),
	}
}

// Submit waits up to maxWait for a slot and then runs task, returning its
// error unchanged. A non-positive maxWait uses the configured default.
// If ctx ends while waiting, ctx.Err() is returned; if maxWait elapses
// first, domain.ErrAdmissionTimeout. In both cases task is not run.
func (q *Queue) Submit(ctx context.Context, maxWait time.Duration, task func(ctx context.Context) error) error {
	release, err := q.acquire(ctx, maxWait)
	if err != nil {
		return err
	}
	defer release()
	return task(ctx)
}

// Do is Submit for tasks that return a value.
func Do[T any](ctx context.Context, q *Queue, maxWait time.Duration, task func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Submit(ctx, maxWait, func(ctx context.Context) error {
		var err error
		out, err = task(ctx)
		return err
	})
	return out, err
}

func (q *Queue) acquire(ctx context.Context, maxWait time.Duration) (func(), error) {
	if maxWait <= 0 {
		maxWait = q.config.MaxWait
	}
	start := q.clock()

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	q.metricWaiting(q.waiting.Add(1))
	err := q.slots.Acquire(waitCtx, 1)
	if err == nil && q.limiter != nil {
		if err = q.limiter.Wait(waitCtx); err != nil {
			q.slots.Release(1)
		}
	}
	q.metricWaiting(q.waiting.Add(-1))

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Both waits only fail through waitCtx; the limiter also fails early
		// when its reservation would land past the deadline.
		if q.metrics != nil {
			q.metrics.AdmissionTimeout()
		}
		return nil, domain.ErrAdmissionTimeout
	}

	if q.metrics != nil {
		q.metrics.AdmissionWaitObserve(q.clock().Sub(start))
	}
	q.metricRunning(q.running.Add(1))

	return func() {
		q.metricRunning(q.running.Add(-1))
		q.slots.Release(1)
	}, nil
}

func (q *Queue) metricWaiting(n int64) {
	if q.metrics != nil {
		q.metrics.AdmissionWaitingUpdate(int(n))
	}
}

func (q *Queue) metricRunning(n int64) {
	if q.metrics != nil {
		q.metrics.AdmissionInFlightUpdate(int(n))
	}
}
