package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Admissions            map[string]uint64
	KeyCacheHits          uint64
	KeyCacheMisses        uint64
	DispatchCount         uint64
	DispatchDurationNs    int64
	CallsRecorded         uint64
	CallsRecordFailed     uint64
	CallsProcessed        uint64
	CallsProcessedFailed  uint64
	CallsProcessedSkipped uint64
	CallLogBatchCount     uint64
	CallLogQueueDepth     int64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	mu         sync.Mutex
	admissions map[string]uint64

	keyCacheHits          uint64
	keyCacheMisses        uint64
	dispatchCount         uint64
	dispatchDurationNs    int64
	callsRecorded         uint64
	callsRecordFailed     uint64
	callsProcessed        uint64
	callsProcessedFailed  uint64
	callsProcessedSkipped uint64
	callLogBatchCount     uint64
	callLogQueueDepth     int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{admissions: make(map[string]uint64)}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	admissions := make(map[string]uint64, len(m.admissions))
	for k, v := range m.admissions {
		admissions[k] = v
	}
	m.mu.Unlock()

	return Snapshot{
		Admissions:            admissions,
		KeyCacheHits:          atomic.LoadUint64(&m.keyCacheHits),
		KeyCacheMisses:        atomic.LoadUint64(&m.keyCacheMisses),
		DispatchCount:         atomic.LoadUint64(&m.dispatchCount),
		DispatchDurationNs:    atomic.LoadInt64(&m.dispatchDurationNs),
		CallsRecorded:         atomic.LoadUint64(&m.callsRecorded),
		CallsRecordFailed:     atomic.LoadUint64(&m.callsRecordFailed),
		CallsProcessed:        atomic.LoadUint64(&m.callsProcessed),
		CallsProcessedFailed:  atomic.LoadUint64(&m.callsProcessedFailed),
		CallsProcessedSkipped: atomic.LoadUint64(&m.callsProcessedSkipped),
		CallLogBatchCount:     atomic.LoadUint64(&m.callLogBatchCount),
		CallLogQueueDepth:     atomic.LoadInt64(&m.callLogQueueDepth),
	}
}

// IncAdmission counts an admission decision by outcome.
func (m *InMemoryRecorder) IncAdmission(outcome string) {
	m.mu.Lock()
	m.admissions[outcome]++
	m.mu.Unlock()
}

// IncKeyCacheHit increments the key cache hit counter.
func (m *InMemoryRecorder) IncKeyCacheHit() {
	atomic.AddUint64(&m.keyCacheHits, 1)
}

// IncKeyCacheMiss increments the key cache miss counter.
func (m *InMemoryRecorder) IncKeyCacheMiss() {
	atomic.AddUint64(&m.keyCacheMisses, 1)
}

// ObserveDispatch records a dispatched command call.
func (m *InMemoryRecorder) ObserveDispatch(route string, status int, duration time.Duration) {
	atomic.AddUint64(&m.dispatchCount, 1)
	atomic.AddInt64(&m.dispatchDurationNs, duration.Nanoseconds())
}

// IncCallRecorded counts call-log hand-offs.
func (m *InMemoryRecorder) IncCallRecorded(status string) {
	if status == "failed" {
		atomic.AddUint64(&m.callsRecordFailed, 1)
		return
	}
	atomic.AddUint64(&m.callsRecorded, 1)
}

// IncCallProcessed counts call-log entries drained by the worker.
func (m *InMemoryRecorder) IncCallProcessed(status string) {
	switch status {
	case "failed":
		atomic.AddUint64(&m.callsProcessedFailed, 1)
	case "skipped":
		atomic.AddUint64(&m.callsProcessedSkipped, 1)
	default:
		atomic.AddUint64(&m.callsProcessed, 1)
	}
}

// ObserveCallLogBatchSize records a worker batch.
func (m *InMemoryRecorder) ObserveCallLogBatchSize(size int) {
	atomic.AddUint64(&m.callLogBatchCount, 1)
}

// SetCallLogQueueDepth stores the pending stream length.
func (m *InMemoryRecorder) SetCallLogQueueDepth(depth int64) {
	atomic.StoreInt64(&m.callLogQueueDepth, depth)
}
