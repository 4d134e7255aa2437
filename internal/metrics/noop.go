package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncAdmission is a no-op.
func (n *NoopRecorder) IncAdmission(outcome string) {}

// IncKeyCacheHit is a no-op.
func (n *NoopRecorder) IncKeyCacheHit() {}

// IncKeyCacheMiss is a no-op.
func (n *NoopRecorder) IncKeyCacheMiss() {}

// ObserveDispatch is a no-op.
func (n *NoopRecorder) ObserveDispatch(route string, status int, duration time.Duration) {}

// IncCallRecorded is a no-op.
func (n *NoopRecorder) IncCallRecorded(status string) {}

// IncCallProcessed is a no-op.
func (n *NoopRecorder) IncCallProcessed(status string) {}

// ObserveCallLogBatchSize is a no-op.
func (n *NoopRecorder) ObserveCallLogBatchSize(size int) {}

// SetCallLogQueueDepth is a no-op.
func (n *NoopRecorder) SetCallLogQueueDepth(depth int64) {}
