// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the gateway.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Admission metrics
	IncAdmission(outcome string) // outcome: admission.Outcome values
	IncKeyCacheHit()
	IncKeyCacheMiss()

	// Dispatch metrics
	ObserveDispatch(route string, status int, duration time.Duration)

	// Call log pipeline metrics
	IncCallRecorded(status string)  // status: "success" or "failed"
	IncCallProcessed(status string) // status: "success", "failed", "skipped"
	ObserveCallLogBatchSize(size int)
	SetCallLogQueueDepth(depth int64)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
