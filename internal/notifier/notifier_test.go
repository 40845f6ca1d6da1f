package notifier_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/notifier"
	"github.com/djlord-it/gengate/internal/relay"
	"github.com/djlord-it/gengate/internal/store/memory"
	"github.com/djlord-it/gengate/internal/transport/channel"
	"github.com/djlord-it/gengate/internal/webhook"
)

type fakeSender struct {
	mu       sync.Mutex
	status   int
	requests []webhook.Request
}

func (s *fakeSender) Deliver(ctx context.Context, req webhook.Request) webhook.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return webhook.Result{OK: status < 300, StatusCode: status, DeliveryID: req.DeliveryID}
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	msgs []relay.Message
	err  error
}

func (e *fakeEnqueuer) Publish(ctx context.Context, msg relay.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}

func addSub(t *testing.T, store *memory.Store, owner string, events ...domain.EventType) domain.Subscription {
	t.Helper()
	sub := domain.Subscription{
		ID:        uuid.New(),
		OwnerID:   owner,
		URL:       "https://hooks.example.com/" + owner,
		Secret:    "s",
		Events:    events,
		CreatedAt: time.Now(),
	}
	if err := store.PutSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func event(owner string, t domain.EventType) domain.JobEvent {
	return domain.JobEvent{
		Type:       t,
		Job:        domain.Job{ID: uuid.New(), OwnerID: owner, ProviderID: "imagegen", Status: domain.JobStatusSucceeded},
		OccurredAt: time.Now(),
	}
}

func TestNotify_DeliversToMatchingSubscriptions(t *testing.T) {
	store := memory.New()
	all := addSub(t, store, "u1")
	addSub(t, store, "u1", domain.EventJobFailed)
	addSub(t, store, "u2")
	sender := &fakeSender{}

	n := notifier.New(store, store, sender)
	if err := n.Notify(context.Background(), event("u1", domain.EventJobSucceeded)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if sender.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", sender.count())
	}
	if sender.requests[0].URL != all.URL {
		t.Errorf("delivered to %s, want %s", sender.requests[0].URL, all.URL)
	}
	attempts := store.DeliveryAttempts()
	if len(attempts) != 1 || attempts[0].SubscriptionID != all.ID || attempts[0].Attempt != 1 {
		t.Errorf("unexpected attempts: %+v", attempts)
	}
}

func TestNotify_FailedDirectDeliveryIsRecordedNotRetried(t *testing.T) {
	store := memory.New()
	addSub(t, store, "u1")
	sender := &fakeSender{status: http.StatusInternalServerError}

	n := notifier.New(store, store, sender)
	if err := n.Notify(context.Background(), event("u1", domain.EventJobFailed)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", sender.count())
	}
	attempts := store.DeliveryAttempts()
	if len(attempts) != 1 || attempts[0].StatusCode != http.StatusInternalServerError || attempts[0].Error == "" {
		t.Errorf("unexpected attempts: %+v", attempts)
	}
}

func TestNotify_WithRelayEnqueuesInsteadOfDelivering(t *testing.T) {
	store := memory.New()
	sub := addSub(t, store, "u1")
	sender := &fakeSender{}
	queue := &fakeEnqueuer{}

	n := notifier.New(store, store, sender).WithRelay(queue)
	ev := event("u1", domain.EventJobQueued)
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if sender.count() != 0 {
		t.Fatal("relay mode must not deliver in-process")
	}
	if len(queue.msgs) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(queue.msgs))
	}
	msg := queue.msgs[0]
	if msg.SubscriptionID != sub.ID || msg.Attempt != 1 || msg.DeliveryID == uuid.Nil {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Payload.JobID != ev.Job.ID.String() || msg.Payload.Event != domain.EventJobQueued {
		t.Errorf("unexpected payload: %+v", msg.Payload)
	}
}

func TestNotify_EnqueueErrorReported(t *testing.T) {
	store := memory.New()
	addSub(t, store, "u1")
	queue := &fakeEnqueuer{err: errors.New("broker down")}

	n := notifier.New(store, store, &fakeSender{}).WithRelay(queue)
	if err := n.Notify(context.Background(), event("u1", domain.EventJobSucceeded)); err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestRun_DrainsBufferedEventsOnShutdown(t *testing.T) {
	store := memory.New()
	addSub(t, store, "u1")
	sender := &fakeSender{}
	n := notifier.New(store, store, sender)

	ch := make(chan domain.JobEvent, 4)
	for i := 0; i < 3; i++ {
		ch <- event("u1", domain.EventJobSucceeded)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		n.Run(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if sender.count() != 3 {
		t.Errorf("deliveries = %d, want 3 (all buffered events)", sender.count())
	}
}

// gatedSender parks deliveries to slowURL until gate is closed and reports
// every other delivery on delivered.
type gatedSender struct {
	slowURL   string
	gate      chan struct{}
	delivered chan string
}

func (s *gatedSender) Deliver(ctx context.Context, req webhook.Request) webhook.Result {
	if req.URL == s.slowURL {
		select {
		case <-s.gate:
		case <-ctx.Done():
		}
	} else {
		s.delivered <- req.URL
	}
	return webhook.Result{OK: true, StatusCode: http.StatusOK, DeliveryID: req.DeliveryID}
}

func TestRun_SlowSubscriberDoesNotBlockOtherOwners(t *testing.T) {
	store := memory.New()
	slow := addSub(t, store, "slow-owner")
	fast := addSub(t, store, "fast-owner")
	sender := &gatedSender{slowURL: slow.URL, gate: make(chan struct{}), delivered: make(chan string, 1)}
	n := notifier.New(store, store, sender)

	bus := channel.NewEventBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.Run(ctx, bus.Channel())
		close(done)
	}()

	for i := 0; i < 10; i++ {
		if err := bus.Emit(ctx, event("slow-owner", domain.EventJobSucceeded)); err != nil {
			t.Fatalf("emit %d for slow owner: %v", i, err)
		}
	}
	if err := bus.Emit(ctx, event("fast-owner", domain.EventJobSucceeded)); err != nil {
		t.Fatalf("emit for fast owner: %v", err)
	}

	select {
	case url := <-sender.delivered:
		if url != fast.URL {
			t.Errorf("delivered to %s, want %s", url, fast.URL)
		}
	case <-time.After(time.Second):
		t.Fatal("fast owner's delivery waited behind the slow endpoint")
	}

	close(sender.gate)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if got := len(store.DeliveryAttempts()); got != 11 {
		t.Errorf("recorded attempts = %d, want 11", got)
	}
}

type countingSender struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	total    atomic.Int32
}

func (s *countingSender) Deliver(ctx context.Context, req webhook.Request) webhook.Result {
	cur := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	s.inFlight.Add(-1)
	s.total.Add(1)
	return webhook.Result{OK: true, StatusCode: http.StatusOK, DeliveryID: req.DeliveryID}
}

func TestNotify_WorkersBoundConcurrency(t *testing.T) {
	store := memory.New()
	for i := 0; i < 6; i++ {
		addSub(t, store, "u1")
	}
	sender := &countingSender{}

	n := notifier.New(store, store, sender).WithWorkers(2)
	if err := n.Notify(context.Background(), event("u1", domain.EventJobSucceeded)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := sender.total.Load(); got != 6 {
		t.Errorf("deliveries = %d, want 6", got)
	}
	if got := sender.peak.Load(); got > 2 {
		t.Errorf("peak concurrent deliveries = %d, want at most 2", got)
	}
}
