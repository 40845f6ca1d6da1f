package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) QuotaDecision(outcome string)                                       {}
func (n *NoopSink) AdmissionWaitObserve(wait time.Duration)                            {}
func (n *NoopSink) AdmissionTimeout()                                                  {}
func (n *NoopSink) AdmissionInFlightUpdate(count int)                                  {}
func (n *NoopSink) AdmissionWaitingUpdate(count int)                                   {}
func (n *NoopSink) CircuitTransition(provider, from, to string)                        {}
func (n *NoopSink) CircuitRejected(provider string)                                    {}
func (n *NoopSink) ProviderCallCompleted(provider, outcome string, d time.Duration)    {}
func (n *NoopSink) JobFinished(status string)                                          {}
func (n *NoopSink) JobsReconciled(count int)                                           {}
func (n *NoopSink) WebhookAttemptCompleted(statusClass string, duration time.Duration) {}
func (n *NoopSink) RelayRetry()                                                        {}
func (n *NoopSink) RelayDeadLetter()                                                   {}
func (n *NoopSink) BufferSizeUpdate(size int)                                          {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                     {}
func (n *NoopSink) EmitError()                                                         {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                  {}
func (n *NoopSink) LeaderAcquired()                                                    {}
func (n *NoopSink) LeaderLost(reason string)                                           {}

var _ Sink = (*NoopSink)(nil)
