// Package metrics provides the metrics interface for locking and publishing.
package metrics

import (
	"time"
)

// Metrics defines the interface for collecting observability metrics.
// Implementations can use Prometheus, StatsD, or other metrics backends.
type Metrics interface {
	// Lock metrics
	LockAcquired(kind string, duration time.Duration)
	LockConflict(kind string)
	LockReleased(trigger string)
	LockStoreFailed(op string)
	ConflictQueries(chunks int)

	// Publish metrics
	EventSent(topic string)
	EventSendFailed(topic string)
	EventDelivered(topic string)
	SessionOpened()
	SessionCommitted(duration time.Duration)
	SessionRolledBack()
	SessionCommitFailed()
	OpenSessions(n int)

	// Consumer metrics
	RecordProcessed(topic string, success bool)
	OffsetCommitFailed(topic string)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) LockAcquired(kind string, duration time.Duration) {}
func (n *NoopMetrics) LockConflict(kind string)                         {}
func (n *NoopMetrics) LockReleased(trigger string)                      {}
func (n *NoopMetrics) LockStoreFailed(op string)                        {}
func (n *NoopMetrics) ConflictQueries(chunks int)                       {}
func (n *NoopMetrics) EventSent(topic string)                           {}
func (n *NoopMetrics) EventSendFailed(topic string)                     {}
func (n *NoopMetrics) EventDelivered(topic string)                      {}
func (n *NoopMetrics) SessionOpened()                                   {}
func (n *NoopMetrics) SessionCommitted(duration time.Duration)          {}
func (n *NoopMetrics) SessionRolledBack()                               {}
func (n *NoopMetrics) SessionCommitFailed()                             {}
func (n *NoopMetrics) OpenSessions(count int)                           {}
func (n *NoopMetrics) RecordProcessed(topic string, success bool)       {}
func (n *NoopMetrics) OffsetCommitFailed(topic string)                  {}
