// Package memory provides in-process stores for single-instance
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/gengate/internal/domain"
	"github.com/djlord-it/gengate/internal/lifecycle"
	"github.com/djlord-it/gengate/internal/notifier"
)

// Store implements lifecycle.Store and the notifier stores in memory.
type Store struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]domain.Job
	subscriptions map[uuid.UUID]domain.Subscription
	attempts      []domain.DeliveryAttempt
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:          make(map[uuid.UUID]domain.Job),
		subscriptions: make(map[uuid.UUID]domain.Subscription),
	}
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, lifecycle.ErrJobNotFound
	}
	return job, nil
}

func (s *Store) TransitionJob(ctx context.Context, t lifecycle.Transition) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[t.JobID]
	if !ok {
		return domain.Job{}, lifecycle.ErrJobNotFound
	}
	if job.Status != t.From {
		return domain.Job{}, lifecycle.ErrTransitionDenied
	}

	at := t.At
	job.Status = t.To
	switch t.To {
	case domain.JobStatusRunning:
		job.StartedAt = &at
	case domain.JobStatusSucceeded, domain.JobStatusFailed:
		job.TerminalAt = &at
		job.Result = t.Result
		job.ErrorReason = t.ErrorReason
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) FailStuckJobs(ctx context.Context, cutoff, now time.Time, reason string, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []domain.Job
	for _, job := range s.jobs {
		switch {
		case job.Status == domain.JobStatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff):
		case job.Status == domain.JobStatusQueued && job.CreatedAt.Before(cutoff):
		default:
			continue
		}
		stuck = append(stuck, job)
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].CreatedAt.Before(stuck[j].CreatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	for i := range stuck {
		at := now
		stuck[i].Status = domain.JobStatusFailed
		stuck[i].ErrorReason = reason
		stuck[i].TerminalAt = &at
		s.jobs[stuck[i].ID] = stuck[i]
	}
	return stuck, nil
}

func (s *Store) PutSubscription(ctx context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, ownerID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.OwnerID != ownerID {
		return domain.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

// DeliveryAttempts returns a copy of every recorded attempt.
func (s *Store) DeliveryAttempts() []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), s.attempts...)
}

var (
	_ lifecycle.Store            = (*Store)(nil)
	_ notifier.SubscriptionStore = (*Store)(nil)
	_ notifier.AttemptStore      = (*Store)(nil)
)
