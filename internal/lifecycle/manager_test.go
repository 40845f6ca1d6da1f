package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/store/memory"
	"github.com/djlord-it/gengate/internal/testutil"
)

type countingReleaser struct {
	mu       sync.Mutex
	released map[string]int
}

func (r *countingReleaser) Release(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released == nil {
		r.released = make(map[string]int)
	}
	r.released[userID]++
	return nil
}

func (r *countingReleaser) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released[userID]
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.JobEvent
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, event domain.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) types() []domain.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	manager  *lifecycle.Manager
	store    *memory.Store
	releaser *countingReleaser
	emitter  *recordingEmitter
	clock    *testutil.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:    memory.New(),
		releaser: &countingReleaser{},
		emitter:  &recordingEmitter{},
		clock:    testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.manager = lifecycle.New(f.store, f.releaser, f.emitter).
		WithClock(f.clock.Now).
		WithLogger(testutil.Logger(t))
	return f
}

func (f fixture) runningJob(t *testing.T, owner string) domain.Job {
	t.Helper()
	ctx := testutil.TestContext(t)
	job, err := f.manager.Create(ctx, owner, "imagegen", json.RawMessage(`{"prompt":"cat"}`))
	require.NoError(t, err)
	job, err = f.manager.Start(ctx, job)
	require.NoError(t, err)
	return job
}

func TestManager_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	job, err := f.manager.Create(ctx, "u1", "imagegen", json.RawMessage(`{"prompt":"cat"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.NotEqual(t, uuid.Nil, job.ID)

	f.clock.Advance(time.Second)
	job, err = f.manager.Start(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, f.clock.Now(), *job.StartedAt)

	f.clock.Advance(2 * time.Second)
	job, err = f.manager.Complete(ctx, job, json.RawMessage(`{"url":"https://cdn/x.png"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.TerminalAt)
	assert.JSONEq(t, `{"url":"https://cdn/x.png"}`, string(job.Result))

	assert.Equal(t, 1, f.releaser.count("u1"))
	assert.Equal(t, []domain.EventType{
		domain.EventJobQueued, domain.EventJobRunning, domain.EventJobSucceeded,
	}, f.emitter.types())

	stored, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
}

func TestManager_FailQueuedJob(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	job, err := f.manager.Create(ctx, "u1", "imagegen", nil)
	require.NoError(t, err)

	job, err = f.manager.Fail(ctx, job, "admission timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "admission timeout", job.ErrorReason)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, 1, f.releaser.count("u1"))
}

func TestManager_InvalidTransitionsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	job, err := f.manager.Create(ctx, "u1", "imagegen", nil)
	require.NoError(t, err)

	_, err = f.manager.Complete(ctx, job, nil)
	assert.ErrorIs(t, err, lifecycle.ErrTransitionDenied, "queued job cannot succeed")

	running, err := f.manager.Start(ctx, job)
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, job)
	assert.ErrorIs(t, err, lifecycle.ErrTransitionDenied, "job cannot start twice")

	done, err := f.manager.Fail(ctx, running, "provider down")
	require.NoError(t, err)
	_, err = f.manager.Fail(ctx, done, "again")
	assert.ErrorIs(t, err, lifecycle.ErrTransitionDenied, "terminal job cannot change")

	assert.Equal(t, 1, f.releaser.count("u1"))
}

func TestManager_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(testutil.TestContext(t), domain.Job{ID: uuid.New(), Status: domain.JobStatusQueued})
	assert.ErrorIs(t, err, lifecycle.ErrJobNotFound)
}

func TestManager_ReconcileStuckIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	stuck := f.runningJob(t, "u1")
	f.clock.Advance(6 * time.Minute)
	fresh := f.runningJob(t, "u2")

	n, err := f.manager.ReconcileStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.manager.ReconcileStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.manager.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.StuckJobReason, got.ErrorReason)

	got, err = f.manager.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status)

	assert.Equal(t, 1, f.releaser.count("u1"))
	assert.Equal(t, 0, f.releaser.count("u2"))
}

func TestManager_LateCompletionAfterReconcileDoesNotReleaseTwice(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	job := f.runningJob(t, "u1")
	f.clock.Advance(10 * time.Minute)

	n, err := f.manager.ReconcileStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.manager.Complete(ctx, job, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, lifecycle.ErrTransitionDenied)
	assert.Equal(t, 1, f.releaser.count("u1"))
}

func TestManager_ReconcileStaleQueuedJob(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	job, err := f.manager.Create(ctx, "u1", "imagegen", nil)
	require.NoError(t, err)
	f.clock.Advance(5*time.Minute + time.Second)

	n, err := f.manager.ReconcileStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
}

func TestManager_ReconcileProcessesAllBatches(t *testing.T) {
	f := newFixture(t)
	f.manager.WithBatchSize(2)
	ctx := testutil.TestContext(t)

	for i := 0; i < 5; i++ {
		f.runningJob(t, "u1")
	}
	f.clock.Advance(time.Hour)

	n, err := f.manager.ReconcileStuck(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.releaser.count("u1"))
}

func TestManager_ReconcileEmitsFailedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	f.runningJob(t, "u1")
	f.clock.Advance(time.Hour)

	_, err := f.manager.ReconcileStuck(ctx, 5*time.Minute)
	require.NoError(t, err)

	types := f.emitter.types()
	assert.Equal(t, domain.EventJobFailed, types[len(types)-1])
}

func TestManager_EmitFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.emitter.err = errors.New("buffer full")

	job, err := f.manager.Create(testutil.TestContext(t), "u1", "imagegen", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestManager_ConcurrentTerminalWritersReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)
	job := f.runningJob(t, "u1")
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _ = f.manager.Complete(ctx, job, nil)
	}()
	go func() {
		defer wg.Done()
		_, _ = f.manager.Fail(ctx, job, "provider down")
	}()
	go func() {
		defer wg.Done()
		_, _ = f.manager.ReconcileStuck(ctx, time.Minute)
	}()
	wg.Wait()

	assert.Equal(t, 1, f.releaser.count("u1"))
}
