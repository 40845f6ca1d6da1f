// Package gateway is the admission entry point. It composes the shared
// quota ledger, the process-local admission queue, the provider circuit
// breakers and the job lifecycle into one Submit call.
//
// Ordering matters: quota is checked first so a rejected user never holds
// a queue slot, and the job exists before the queue wait so a timed-out
// request still leaves a failed job behind for the owner to see.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/admission"
	"github.com/djlord-it/gengate/internal/circuitbreaker"
	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/metrics"
	"github.com/djlord-it/gengate/internal/provider"
	"github.com/djlord-it/gengate/internal/quota"
)

// ErrUnknownProvider is returned when the request names no known provider.
var ErrUnknownProvider = provider.ErrUnknownProvider

// Failure reasons stored on jobs failed by the gateway.
const (
	ReasonAdmissionTimeout = "admission timeout"
	ReasonCircuitOpen      = "circuit open"
	ReasonCanceled         = "canceled"
	ReasonInternal         = "internal error"
)

const settleTimeout = 5 * time.Second

type Catalog interface {
	Get(name string) (provider.Provider, error)
}

// MetricsSink defines the interface for recording gateway metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	QuotaDecision(outcome string)
	ProviderCallCompleted(provider, outcome string, duration time.Duration)
}

// Request is one generation submission.
type Request struct {
	UserID     string
	ProviderID string
	Payload    json.RawMessage

	// MaxWait overrides the queue's admission wait. Zero uses the default.
	MaxWait time.Duration
}

// Descriptor is the caller-facing view of a job.
type Descriptor struct {
	JobID       uuid.UUID        `json:"job_id"`
	OwnerID     string           `json:"owner_id"`
	Provider    string           `json:"provider"`
	Status      domain.JobStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	ErrorReason string           `json:"error_reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// Describe converts a job to its descriptor.
func Describe(job domain.Job) Descriptor {
	return Descriptor{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Provider:    job.ProviderID,
		Status:      job.Status,
		Result:      job.Result,
		ErrorReason: job.ErrorReason,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.TerminalAt,
	}
}

// Gateway holds the per-process admission components.
type Gateway struct {
	catalog  Catalog
	ledger   quota.Ledger
	queue    *admission.Queue
	breakers *circuitbreaker.Registry
	jobs     *lifecycle.Manager
	metrics  MetricsSink // optional, nil = disabled
	logger   zerolog.Logger
	clock    func() time.Time
}

func New(catalog Catalog, ledger quota.Ledger, queue *admission.Queue, breakers *circuitbreaker.Registry, jobs *lifecycle.Manager) *Gateway {
	return &Gateway{
		catalog:  catalog,
		ledger:   ledger,
		queue:    queue,
		breakers: breakers,
		jobs:     jobs,
		logger:   zerolog.Nop(),
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the gateway.
func (g *Gateway) WithMetrics(sink MetricsSink) *Gateway {
	g.metrics = sink
	return g
}

func (g *Gateway) WithLogger(logger zerolog.Logger) *Gateway {
	g.logger = logger
	return g
}

func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// Submit admits and runs one generation. Rejections are returned as the
// domain sentinels; when a job was created its descriptor is returned
// alongside the error.
func (g *Gateway) Submit(ctx context.Context, req Request) (Descriptor, error) {
	p, err := g.catalog.Get(req.ProviderID)
	if err != nil {
		return Descriptor{}, err
	}

	res, err := quota.Acquire(ctx, g.ledger, req.UserID)
	g.recordQuota(err)
	if err != nil {
		return Descriptor{}, err
	}
	defer func() { _ = res.Release(ctx) }()

	job, err := g.jobs.Create(ctx, req.UserID, p.Name(), req.Payload)
	if err != nil {
		return Descriptor{}, fmt.Errorf("create job: %w", err)
	}
	// The job's terminal transition owns the slot from here on.
	res.HandOff()

	current := job
	settled := false
	defer func() {
		if !settled {
			g.abandon(ctx, current, ReasonInternal)
		}
	}()

	err = g.queue.Submit(ctx, req.MaxWait, func(ctx context.Context) error {
		var runErr error
		current, runErr = g.run(ctx, p, job)
		return runErr
	})
	settled = true

	if current.Status == domain.JobStatusQueued {
		reason := ReasonAdmissionTimeout
		if !errors.Is(err, domain.ErrAdmissionTimeout) {
			reason = ReasonCanceled
		}
		current = g.abandon(ctx, current, reason)
	}
	return Describe(current), err
}

// run executes inside an admission slot.
func (g *Gateway) run(ctx context.Context, p provider.Provider, job domain.Job) (domain.Job, error) {
	running, err := g.jobs.Start(ctx, job)
	if err != nil {
		return g.superseded(ctx, job, err)
	}

	start := g.clock()
	out, callErr := circuitbreaker.Call(ctx, g.breakers, p.Name(), func(ctx context.Context) (provider.Result, error) {
		return p.Generate(ctx, provider.Request{JobID: job.ID, OwnerID: job.OwnerID, Payload: job.Payload})
	})
	g.recordCall(ctx, p.Name(), callErr, g.clock().Sub(start))

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if callErr == nil {
		done, err := g.jobs.Complete(settleCtx, running, out.Output)
		if err != nil {
			return g.superseded(settleCtx, running, err)
		}
		return done, nil
	}

	var reason string
	switch {
	case errors.Is(callErr, domain.ErrCircuitOpen):
		reason = ReasonCircuitOpen
	case ctx.Err() != nil:
		reason = ReasonCanceled
	default:
		reason = callErr.Error()
		callErr = &domain.ProviderError{Provider: p.Name(), Err: callErr}
	}

	failed, err := g.jobs.Fail(settleCtx, running, reason)
	if err != nil {
		g.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("gateway: could not fail job")
		return g.reload(settleCtx, running), callErr
	}
	return failed, callErr
}

// abandon fails a job that never reached a terminal state through run.
func (g *Gateway) abandon(ctx context.Context, job domain.Job, reason string) domain.Job {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	job = g.reload(settleCtx, job)
	if job.Status.IsTerminal() {
		return job
	}
	failed, err := g.jobs.Fail(settleCtx, job, reason)
	if err != nil {
		g.logger.Warn().Err(err).Str("job_id", job.ID.String()).Str("reason", reason).Msg("gateway: could not fail job")
		return g.reload(settleCtx, job)
	}
	return failed
}

// superseded handles a transition lost to another writer, normally the
// stuck-job sweep.
func (g *Gateway) superseded(ctx context.Context, job domain.Job, err error) (domain.Job, error) {
	if !errors.Is(err, lifecycle.ErrTransitionDenied) {
		return g.reload(ctx, job), err
	}
	fresh := g.reload(ctx, job)
	if fresh.Status == domain.JobStatusFailed && fresh.ErrorReason == domain.StuckJobReason {
		return fresh, domain.ErrStuckJobTimeout
	}
	return fresh, err
}

func (g *Gateway) reload(ctx context.Context, job domain.Job) domain.Job {
	fresh, err := g.jobs.Get(ctx, job.ID)
	if err != nil {
		return job
	}
	return fresh
}

func (g *Gateway) recordQuota(err error) {
	if g.metrics == nil {
		return
	}
	switch {
	case err == nil:
		g.metrics.QuotaDecision(metrics.OutcomeGranted)
	case errors.Is(err, domain.ErrQuotaExceeded):
		g.metrics.QuotaDecision(metrics.OutcomeQuotaExceeded)
	case errors.Is(err, domain.ErrConcurrencyExceeded):
		g.metrics.QuotaDecision(metrics.OutcomeConcurrencyExceeded)
	default:
		g.metrics.QuotaDecision(metrics.OutcomeError)
	}
}

func (g *Gateway) recordCall(ctx context.Context, name string, err error, d time.Duration) {
	if g.metrics == nil || errors.Is(err, domain.ErrCircuitOpen) {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = metrics.OutcomeCanceled
	default:
		outcome = metrics.OutcomeFailed
	}
	g.metrics.ProviderCallCompleted(name, outcome, d)
}

// Job returns a job descriptor.
func (g *Gateway) Job(ctx context.Context, id uuid.UUID) (Descriptor, error) {
	job, err := g.jobs.Get(ctx, id)
	if err != nil {
		return Descriptor{}, err
	}
	return Describe(job), nil
}

// Quota returns the user's quota view with the daily rollover applied.
func (g *Gateway) Quota(ctx context.Context, userID string) (domain.QuotaStatus, error) {
	rec, err := g.ledger.Peek(ctx, userID)
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("peek quota: %w", err)
	}
	return rec.Status(g.clock()), nil
}

// SetLimits changes a user's plan limits without touching counters.
func (g *Gateway) SetLimits(ctx context.Context, userID string, limits domain.QuotaLimits) error {
	return g.ledger.SetLimits(ctx, userID, limits)
}

// Circuits returns every provider's circuit ordered by provider id.
func (g *Gateway) Circuits() []domain.ProviderHealth {
	return g.breakers.Snapshot()
}

// Admission reports the local queue occupancy.
func (g *Gateway) Admission() admission.Stats {
	return g.queue.Stats()
}
