// Package circuitbreaker tracks per-provider health and fails calls fast
// while a provider is considered down.
//
// Each provider moves through closed -> open -> half-open. State is only
// advanced when the registry is consulted: an open circuit whose cooldown
// has elapsed is observed as half-open on the next call, and exactly one
// trial call is let through. Cooldowns double on each consecutive reopening
// up to MaxCooldown.
//
// Every state change starts a new generation. Allow hands out a Ticket
// stamped with the current generation, and an outcome reported with a ticket
// from an earlier generation is dropped: a slow call admitted while closed
// cannot close a circuit that opened meanwhile, and only the half-open trial
// can settle a half-open circuit.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/gengate/internal/domain"
)

// ErrCircuitOpen is returned without invoking the provider.
var ErrCircuitOpen = domain.ErrCircuitOpen

// MetricsSink receives circuit events. Methods must not block.
type MetricsSink interface {
	CircuitTransition(provider, from, to string)
	CircuitRejected(provider string)
}

// Config holds breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	// Default: 5.
	Threshold int

	// Cooldown is how long a circuit stays open after its first opening.
	// Default: 30 seconds.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown of repeated openings.
	// Default: 10 minutes.
	MaxCooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

type providerState struct {
	state               domain.CircuitState
	consecutiveFailures int
	openings            int
	openedUntil         time.Time
	lastFailureAt       time.Time
	lastProbeAt         time.Time
	probing             bool
	generation          uint64
}

// Ticket is issued by Allow for one admitted call and must be handed back
// with its outcome.
type Ticket struct {
	// Trial is set for the single call admitted by a half-open circuit.
	Trial      bool
	Generation uint64
}

// evaluate applies the time-driven transition: an open circuit whose
// cooldown has elapsed becomes half-open with no probe in flight.
func evaluate(s providerState, now time.Time) providerState {
	if s.state == domain.CircuitOpen && !now.Before(s.openedUntil) {
		s.state = domain.CircuitHalfOpen
		s.probing = false
	}
	return s
}

// Registry holds one circuit per provider.
type Registry struct {
	mu      sync.Mutex
	states  map[string]*providerState
	config  Config
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
	logger  zerolog.Logger
}

// New creates a Registry. Zero fields in config take their defaults.
func New(config Config) *Registry {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = max(def.MaxCooldown, config.Cooldown)
	}
	return &Registry{
		states: make(map[string]*providerState),
		config: config,
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
}

// WithClock replaces the time source.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithMetrics attaches a metrics sink to the registry.
func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// WithLogger attaches a logger for state transitions.
func (r *Registry) WithLogger(logger zerolog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register creates closed circuits for providers so they appear in
// snapshots before their first call.
func (r *Registry) Register(providers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range providers {
		r.get(p)
	}
}

func (r *Registry) get(provider string) *providerState {
	s, ok := r.states[provider]
	if !ok {
		s = &providerState{state: domain.CircuitClosed}
		r.states[provider] = s
	}
	return s
}

// set stores next and reports a state change. Caller holds r.mu.
func (r *Registry) set(provider string, s *providerState, next providerState) {
	from := s.state
	if from != next.state {
		next.generation = s.generation + 1
	}
	*s = next
	if from == next.state {
		return
	}
	r.logger.Info().
		Str("provider", provider).
		Str("from", string(from)).
		Str("to", string(next.state)).
		Int("consecutive_failures", next.consecutiveFailures).
		Msg("circuitbreaker: state changed")
	if r.metrics != nil {
		r.metrics.CircuitTransition(provider, string(from), string(next.state))
	}
}

func (r *Registry) cooldownFor(openings int) time.Duration {
	d := r.config.Cooldown
	for i := 1; i < openings; i++ {
		d *= 2
		if d >= r.config.MaxCooldown {
			return r.config.MaxCooldown
		}
	}
	return d
}

// Allow reports whether a call to provider may proceed. In half-open it
// admits exactly one caller; that caller must report its outcome through
// RecordSuccess, RecordFailure or ReleaseProbe with the returned ticket.
func (r *Registry) Allow(provider string) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(provider)
	now := r.clock()
	r.set(provider, s, evaluate(*s, now))

	switch s.state {
	case domain.CircuitOpen:
		r.reject(provider)
		return Ticket{}, ErrCircuitOpen
	case domain.CircuitHalfOpen:
		if s.probing {
			r.reject(provider)
			return Ticket{}, ErrCircuitOpen
		}
		s.probing = true
		s.lastProbeAt = now
		return Ticket{Trial: true, Generation: s.generation}, nil
	default:
		return Ticket{Generation: s.generation}, nil
	}
}

func (r *Registry) reject(provider string) {
	if r.metrics != nil {
		r.metrics.CircuitRejected(provider)
	}
}

// current reports whether t was issued in the circuit's present generation.
// Caller holds r.mu.
func (r *Registry) current(provider string, s *providerState, t Ticket, outcome string) bool {
	if t.Generation == s.generation {
		return true
	}
	r.logger.Debug().
		Str("provider", provider).
		Str("outcome", outcome).
		Uint64("ticket_generation", t.Generation).
		Uint64("generation", s.generation).
		Msg("circuitbreaker: stale outcome ignored")
	return false
}

// RecordSuccess clears the failure count of a closed circuit. A successful
// half-open trial closes the circuit and resets its cooldown backoff.
func (r *Registry) RecordSuccess(provider string, t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(provider)
	if !r.current(provider, s, t, "success") {
		return
	}
	next := *s
	switch s.state {
	case domain.CircuitClosed:
		next.consecutiveFailures = 0
	case domain.CircuitHalfOpen:
		if !t.Trial {
			return
		}
		next.state = domain.CircuitClosed
		next.consecutiveFailures = 0
		next.openings = 0
		next.probing = false
	default:
		return
	}
	r.set(provider, s, next)
}

// RecordFailure counts a provider failure. A failed half-open trial reopens
// the circuit with a longer cooldown.
func (r *Registry) RecordFailure(provider string, t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(provider)
	if !r.current(provider, s, t, "failure") {
		return
	}
	now := r.clock()
	next := *s
	next.consecutiveFailures++
	next.lastFailureAt = now

	switch next.state {
	case domain.CircuitHalfOpen:
		if !t.Trial {
			return
		}
		next.openings++
		next.state = domain.CircuitOpen
		next.openedUntil = now.Add(r.cooldownFor(next.openings))
		next.probing = false
	case domain.CircuitClosed:
		if next.consecutiveFailures >= r.config.Threshold {
			next.openings++
			next.state = domain.CircuitOpen
			next.openedUntil = now.Add(r.cooldownFor(next.openings))
		}
	default:
		return
	}
	r.set(provider, s, next)
}

// ReleaseProbe gives up a half-open trial without an outcome, letting the
// next caller probe instead.
func (r *Registry) ReleaseProbe(provider string, t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[provider]
	if !ok || !t.Trial || !r.current(provider, s, t, "release") {
		return
	}
	if s.state == domain.CircuitHalfOpen {
		s.probing = false
	}
}

// Execute runs fn through the provider's circuit. fn is not invoked when
// the circuit rejects the call. An error caused by ctx ending is not held
// against the provider.
func (r *Registry) Execute(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, r, provider, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, r *Registry, provider string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ticket, err := r.Allow(provider)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", provider, err)
	}

	completed := false
	defer func() {
		if !completed {
			r.RecordFailure(provider, ticket)
		}
	}()

	out, err := fn(ctx)
	completed = true

	switch {
	case err == nil:
		r.RecordSuccess(provider, ticket)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		r.ReleaseProbe(provider, ticket)
	default:
		r.RecordFailure(provider, ticket)
	}
	return out, err
}

// State returns the current view of one provider's circuit.
func (r *Registry) State(provider string) domain.ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[provider]
	if !ok {
		return domain.ProviderHealth{ProviderID: provider, State: domain.CircuitClosed}
	}
	return health(provider, evaluate(*s, r.clock()))
}

// Snapshot returns every known provider ordered by id.
func (r *Registry) Snapshot() []domain.ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.ProviderHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, health(id, evaluate(*r.states[id], now)))
	}
	return out
}

func health(provider string, s providerState) domain.ProviderHealth {
	h := domain.ProviderHealth{
		ProviderID:          provider,
		State:               s.state,
		ConsecutiveFailures: s.consecutiveFailures,
		Openings:            s.openings,
	}
	if !s.lastFailureAt.IsZero() {
		t := s.lastFailureAt
		h.LastFailureAt = &t
	}
	if !s.lastProbeAt.IsZero() {
		t := s.lastProbeAt
		h.LastProbeAt = &t
	}
	if s.state == domain.CircuitOpen {
		t := s.openedUntil
		h.OpenedUntil = &t
	}
	return h
}
