package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	quotaDecisionsTotal *prometheus.CounterVec

	admissionWait          prometheus.Histogram
	admissionTimeoutsTotal prometheus.Counter
	admissionInFlight      prometheus.Gauge
	admissionWaiting       prometheus.Gauge

	circuitTransitionsTotal *prometheus.CounterVec
	circuitRejectionsTotal  *prometheus.CounterVec

	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	jobsFinishedTotal   *prometheus.CounterVec
	jobsReconciledTotal prometheus.Counter

	webhookAttemptsTotal  *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	relayRetriesTotal     prometheus.Counter
	relayDeadLettersTotal prometheus.Counter

	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink;
// the affected collectors simply stay unexported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initAdmissionMetrics(reg)
	s.initProviderMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initRuntimeMetrics(reg)
	return s
}

func (s *PrometheusSink) initAdmissionMetrics(reg prometheus.Registerer) {
	s.quotaDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_quota_decisions_total",
		Help: "Quota reservation decisions by outcome.",
	}, []string{"outcome"})
	s.admissionWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gengate_admission_wait_seconds",
		Help:    "Time tasks spent waiting for an admission slot.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 45},
	})
	s.admissionTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_admission_timeouts_total",
		Help: "Tasks evicted from the admission queue after exceeding their maximum wait.",
	})
	s.admissionInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gengate_admission_in_flight",
		Help: "Tasks currently holding an admission slot.",
	})
	s.admissionWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gengate_admission_waiting",
		Help: "Tasks currently waiting for an admission slot.",
	})

	s.register(reg, s.quotaDecisionsTotal, "gengate_quota_decisions_total")
	s.register(reg, s.admissionWait, "gengate_admission_wait_seconds")
	s.register(reg, s.admissionTimeoutsTotal, "gengate_admission_timeouts_total")
	s.register(reg, s.admissionInFlight, "gengate_admission_in_flight")
	s.register(reg, s.admissionWaiting, "gengate_admission_waiting")
}

func (s *PrometheusSink) initProviderMetrics(reg prometheus.Registerer) {
	s.circuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_circuit_transitions_total",
		Help: "Circuit breaker state transitions per provider.",
	}, []string{"provider", "from", "to"})
	s.circuitRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_circuit_rejections_total",
		Help: "Calls rejected without reaching the provider because the circuit was open.",
	}, []string{"provider"})
	s.providerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_provider_calls_total",
		Help: "Provider calls by outcome.",
	}, []string{"provider", "outcome"})
	s.providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gengate_provider_call_duration_seconds",
		Help:    "Provider call latency in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})
	s.jobsReconciledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_jobs_reconciled_total",
		Help: "Stuck jobs force-failed by reconciliation.",
	})

	s.register(reg, s.circuitTransitionsTotal, "gengate_circuit_transitions_total")
	s.register(reg, s.circuitRejectionsTotal, "gengate_circuit_rejections_total")
	s.register(reg, s.providerCallsTotal, "gengate_provider_calls_total")
	s.register(reg, s.providerCallDuration, "gengate_provider_call_duration_seconds")
	s.register(reg, s.jobsFinishedTotal, "gengate_jobs_finished_total")
	s.register(reg, s.jobsReconciledTotal, "gengate_jobs_reconciled_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.webhookAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_webhook_attempts_total",
		Help: "Webhook delivery attempts by status class.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gengate_webhook_duration_seconds",
		Help:    "Duration of webhook HTTP requests in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	})
	s.relayRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_relay_retries_total",
		Help: "Webhook deliveries scheduled for another attempt.",
	})
	s.relayDeadLettersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_relay_dead_letters_total",
		Help: "Webhook deliveries abandoned to the dead-letter queue.",
	})

	s.register(reg, s.webhookAttemptsTotal, "gengate_webhook_attempts_total")
	s.register(reg, s.webhookDuration, "gengate_webhook_duration_seconds")
	s.register(reg, s.relayRetriesTotal, "gengate_relay_retries_total")
	s.register(reg, s.relayDeadLettersTotal, "gengate_relay_dead_letters_total")
}

func (s *PrometheusSink) initRuntimeMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gengate_eventbus_buffer_size",
		Help: "Current number of job events buffered in the event bus.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gengate_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_eventbus_emit_errors_total",
		Help: "Job events that could not be emitted.",
	})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gengate_leader_status",
		Help: "1 if this instance holds the sweeper leadership lock.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gengate_leader_acquired_total",
		Help: "Times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gengate_leader_lost_total",
		Help: "Times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.bufferSize, "gengate_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "gengate_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "gengate_eventbus_emit_errors_total")
	s.register(reg, s.leaderStatus, "gengate_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "gengate_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "gengate_leader_lost_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register collector")
	}
}

func (s *PrometheusSink) QuotaDecision(outcome string) {
	s.quotaDecisionsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) AdmissionWaitObserve(wait time.Duration) {
	s.admissionWait.Observe(wait.Seconds())
}

func (s *PrometheusSink) AdmissionTimeout() {
	s.admissionTimeoutsTotal.Inc()
}

func (s *PrometheusSink) AdmissionInFlightUpdate(n int) {
	s.admissionInFlight.Set(float64(n))
}

func (s *PrometheusSink) AdmissionWaitingUpdate(n int) {
	s.admissionWaiting.Set(float64(n))
}

func (s *PrometheusSink) CircuitTransition(provider, from, to string) {
	s.circuitTransitionsTotal.WithLabelValues(provider, from, to).Inc()
}

func (s *PrometheusSink) CircuitRejected(provider string) {
	s.circuitRejectionsTotal.WithLabelValues(provider).Inc()
}

func (s *PrometheusSink) ProviderCallCompleted(provider, outcome string, duration time.Duration) {
	s.providerCallsTotal.WithLabelValues(provider, outcome).Inc()
	s.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobFinished(status string) {
	s.jobsFinishedTotal.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) JobsReconciled(count int) {
	s.jobsReconciledTotal.Add(float64(count))
}

func (s *PrometheusSink) WebhookAttemptCompleted(statusClass string, duration time.Duration) {
	s.webhookAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RelayRetry() {
	s.relayRetriesTotal.Inc()
}

func (s *PrometheusSink) RelayDeadLetter() {
	s.relayDeadLettersTotal.Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
