package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/testutil"
)

// occupy fills every slot of q until the returned func is called.
func occupy(t *testing.T, q *Queue, n int) func() {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_ = q.Submit(context.Background(), time.Second, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	return func() { close(release) }
}

func waitForWaiting(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Waiting == n }, time.Second, time.Millisecond)
}

func TestQueue_Defaults(t *testing.T) {
	q := New(Config{})
	assert.Equal(t, 10, q.Stats().Concurrency)
	assert.Equal(t, 45*time.Second, q.MaxWait())
}

func TestQueue_NeverExceedsConcurrency(t *testing.T) {
	q := New(Config{Concurrency: 3, MaxWait: 5 * time.Second})
	ctx := testutil.TestContext(t)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Submit(ctx, 0, func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, Stats{Concurrency: 3}, q.Stats())
}

func TestQueue_ServesWaitersInArrivalOrder(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxWait: 5 * time.Second})
	release := occupy(t, q, 1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Submit(context.Background(), 0, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitForWaiting(t, q, i+1)
		// The counter moves just before the semaphore enqueues the waiter.
		time.Sleep(5 * time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_EvictsAfterMaxWaitWithoutRunning(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxWait: 5 * time.Second})
	release := occupy(t, q, 1)
	defer release()

	var ran atomic.Bool
	start := time.Now()
	err := q.Submit(testutil.TestContext(t), 30*time.Millisecond, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrAdmissionTimeout)
	assert.False(t, ran.Load(), "evicted task must never execute")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, q.Stats().Waiting)
}

func TestQueue_EvictedTaskDoesNotRunLater(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxWait: 5 * time.Second})
	release := occupy(t, q, 1)

	var ran atomic.Bool
	err := q.Submit(testutil.TestContext(t), 10*time.Millisecond, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, err, domain.ErrAdmissionTimeout)

	release()
	require.NoError(t, q.Submit(testutil.TestContext(t), 0, func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestQueue_ParentCancellation(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxWait: 5 * time.Second})
	release := occupy(t, q, 1)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := q.Submit(ctx, 0, func(context.Context) error {
		t.Error("task must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrAdmissionTimeout)
}

func TestQueue_TaskErrorPropagatesUnchanged(t *testing.T) {
	q := New(Config{Concurrency: 2})
	boom := errors.New("provider exploded")

	err := q.Submit(testutil.TestContext(t), 0, func(context.Context) error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, 0, q.Stats().Running, "slot must be released after a failing task")
}

func TestDo_ReturnsValue(t *testing.T) {
	q := New(Config{Concurrency: 1})

	got, err := Do(testutil.TestContext(t), q, 0, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestQueue_PacingCountsAgainstMaxWait(t *testing.T) {
	q := New(Config{Concurrency: 5, RateLimit: 1, RateBurst: 1})
	ctx := testutil.TestContext(t)

	require.NoError(t, q.Submit(ctx, 50*time.Millisecond, func(context.Context) error { return nil }))

	err := q.Submit(ctx, 50*time.Millisecond, func(context.Context) error {
		t.Error("paced task must not run past its wait bound")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrAdmissionTimeout)
	assert.Equal(t, 0, q.Stats().Running)
}

type recordingMetrics struct {
	mu       sync.Mutex
	waits    int
	timeouts int
}

func (m *recordingMetrics) AdmissionWaitObserve(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
}

func (m *recordingMetrics) AdmissionTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *recordingMetrics) AdmissionInFlightUpdate(int) {}
func (m *recordingMetrics) AdmissionWaitingUpdate(int)  {}

func TestQueue_Metrics(t *testing.T) {
	m := &recordingMetrics{}
	q := New(Config{Concurrency: 1}).WithMetrics(m)

	require.NoError(t, q.Submit(testutil.TestContext(t), 0, func(context.Context) error { return nil }))
	release := occupy(t, q, 1)
	_ = q.Submit(testutil.TestContext(t), 5*time.Millisecond, func(context.Context) error { return nil })
	release()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.GreaterOrEqual(t, m.waits, 2)
	assert.Equal(t, 1, m.timeouts)
}
