// Package lifecycle owns the job state machine.
//
// Jobs move queued -> running -> {succeeded, failed}; a queued job that is
// never admitted goes straight to failed. Every transition is a guarded
// compare-and-set in the store, so of two racing writers (a worker finishing
// late and the stuck-job sweep, say) exactly one wins. The winner of a
// terminal transition returns the owner's quota slot; nobody else does.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/domain"
)

var (
	// ErrTransitionDenied is returned when the job is no longer in the
	// expected status.
	ErrTransitionDenied = errors.New("job status transition denied")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)

// Transition describes one guarded status change.
type Transition struct {
	JobID       uuid.UUID
	From        domain.JobStatus
	To          domain.JobStatus
	At          time.Time
	Result      json.RawMessage
	ErrorReason string
}

// Store persists jobs.
type Store interface {
	InsertJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)

	// TransitionJob applies t only if the job's current status is t.From.
	// Implementations MUST perform the check and the write atomically and
	// return ErrTransitionDenied when the guard fails.
	TransitionJob(ctx context.Context, t Transition) (domain.Job, error)

	// FailStuckJobs atomically fails up to limit jobs that are running with
	// started_at before cutoff, or queued with created_at before cutoff,
	// and returns exactly the jobs it changed.
	FailStuckJobs(ctx context.Context, cutoff, now time.Time, reason string, limit int) ([]domain.Job, error)
}

// Releaser returns a quota slot.
type Releaser interface {
	Release(ctx context.Context, userID string) error
}

// EventEmitter publishes job events.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.JobEvent) error
}

// MetricsSink defines the interface for recording lifecycle metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobFinished(status string)
	JobsReconciled(count int)
}

const (
	defaultBatchSize   = 100
	defaultEmitTimeout = time.Second
	releaseTimeout     = 5 * time.Second
)

// DefaultStuckThreshold is the age after which a running job is stuck.
const DefaultStuckThreshold = 5 * time.Minute

// Manager applies job transitions.
type Manager struct {
	store       Store
	releaser    Releaser
	emitter     EventEmitter // optional, nil = no events
	metrics     MetricsSink  // optional, nil = disabled
	logger      zerolog.Logger
	clock       func() time.Time
	batchSize   int
	emitTimeout time.Duration
}

// New creates a Manager.
func New(store Store, releaser Releaser, emitter EventEmitter) *Manager {
	return &Manager{
		store:       store,
		releaser:    releaser,
		emitter:     emitter,
		logger:      zerolog.Nop(),
		clock:       time.Now,
		batchSize:   defaultBatchSize,
		emitTimeout: defaultEmitTimeout,
	}
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// WithLogger attaches a logger.
func (m *Manager) WithLogger(logger zerolog.Logger) *Manager {
	m.logger = logger
	return m
}

// WithClock replaces the time source.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithBatchSize bounds how many stuck jobs one store call may fail.
func (m *Manager) WithBatchSize(n int) *Manager {
	if n > 0 {
		m.batchSize = n
	}
	return m
}

// Create records a new queued job.
func (m *Manager) Create(ctx context.Context, ownerID, providerID string, payload json.RawMessage) (domain.Job, error) {
	job := domain.Job{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		ProviderID: providerID,
		Status:     domain.JobStatusQueued,
		Payload:    payload,
		CreatedAt:  m.clock().UTC(),
	}
	if err := m.store.InsertJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	m.emit(ctx, job)
	return job, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

// Start moves a queued job to running.
func (m *Manager) Start(ctx context.Context, job domain.Job) (domain.Job, error) {
	return m.transition(ctx, Transition{
		JobID: job.ID,
		From:  domain.JobStatusQueued,
		To:    domain.JobStatusRunning,
	})
}

// Complete moves a running job to succeeded.
func (m *Manager) Complete(ctx context.Context, job domain.Job, result json.RawMessage) (domain.Job, error) {
	return m.transition(ctx, Transition{
		JobID:  job.ID,
		From:   domain.JobStatusRunning,
		To:     domain.JobStatusSucceeded,
		Result: result,
	})
}

// Fail moves a queued or running job to failed with reason.
func (m *Manager) Fail(ctx context.Context, job domain.Job, reason string) (domain.Job, error) {
	return m.transition(ctx, Transition{
		JobID:       job.ID,
		From:        job.Status,
		To:          domain.JobStatusFailed,
		ErrorReason: reason,
	})
}

func (m *Manager) transition(ctx context.Context, t Transition) (domain.Job, error) {
	if !domain.CanTransition(t.From, t.To) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", ErrTransitionDenied, t.From, t.To)
	}
	t.At = m.clock().UTC()

	job, err := m.store.TransitionJob(ctx, t)
	if err != nil {
		return domain.Job{}, err
	}

	m.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("owner_id", job.OwnerID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("lifecycle: job transitioned")

	if job.Status.IsTerminal() {
		m.finish(ctx, job)
	}
	m.emit(ctx, job)
	return job, nil
}

// ReconcileStuck fails every job stuck longer than threshold with
// domain.StuckJobReason and returns how many it changed. Jobs already
// terminal are never touched, so repeated calls are safe.
func (m *Manager) ReconcileStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	now := m.clock().UTC()
	cutoff := now.Add(-threshold)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		jobs, err := m.store.FailStuckJobs(ctx, cutoff, now, domain.StuckJobReason, m.batchSize)
		if err != nil {
			return total, fmt.Errorf("fail stuck jobs: %w", err)
		}
		for _, job := range jobs {
			age := now.Sub(job.CreatedAt)
			if job.StartedAt != nil {
				age = now.Sub(*job.StartedAt)
			}
			m.logger.Warn().
				Str("job_id", job.ID.String()).
				Str("owner_id", job.OwnerID).
				Str("provider", job.ProviderID).
				Dur("age", age.Round(time.Second)).
				Msg("lifecycle: stuck job failed")
			m.finish(ctx, job)
			m.emit(ctx, job)
		}
		total += len(jobs)

		if len(jobs) < m.batchSize {
			break
		}
	}

	if m.metrics != nil && total > 0 {
		m.metrics.JobsReconciled(total)
	}
	return total, nil
}

// finish runs once per job, after the transition that made it terminal.
func (m *Manager) finish(ctx context.Context, job domain.Job) {
	if m.metrics != nil {
		m.metrics.JobFinished(string(job.Status))
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.releaser.Release(releaseCtx, job.OwnerID); err != nil {
		m.logger.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("owner_id", job.OwnerID).
			Msg("lifecycle: failed to release quota slot")
	}
}

func (m *Manager) emit(ctx context.Context, job domain.Job) {
	if m.emitter == nil {
		return
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.emitTimeout)
	defer cancel()

	event := domain.JobEvent{
		Type:       domain.EventForStatus(job.Status),
		Job:        job,
		OccurredAt: m.clock().UTC(),
	}
	if err := m.emitter.Emit(emitCtx, event); err != nil {
		m.logger.Warn().Err(err).
			Str("job_id", job.ID.String()).
			Str("event", string(event.Type)).
			Msg("lifecycle: failed to emit event")
	}
}
