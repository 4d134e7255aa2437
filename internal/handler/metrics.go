package handler

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rapigate/rapigate/internal/metrics"
)

// exposer is implemented by recorders that serve their own exposition,
// such as *metrics.PrometheusRecorder.
type exposer interface {
	Handler() http.Handler
}

// MetricsHandler serves GET /metrics.
type MetricsHandler struct {
	source any
}

// NewMetricsHandler wraps a metrics recorder. Prometheus recorders serve
// their registry; in-memory recorders are rendered from a snapshot.
func NewMetricsHandler(source any) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// Metrics writes the current metrics.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	switch src := h.source.(type) {
	case exposer:
		src.Handler().ServeHTTP(w, r)
	case metrics.Snapshotter:
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeSnapshot(w, src.Snapshot())
	default:
		writeError(w, http.StatusServiceUnavailable, "Metrics are disabled")
	}
}

func writeSnapshot(w io.Writer, snap metrics.Snapshot) {
	outcomes := make([]string, 0, len(snap.Admissions))
	for outcome := range snap.Admissions {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fmt.Fprintf(w, "rapigate_admission_decisions_total{outcome=%q} %d\n", outcome, snap.Admissions[outcome])
	}

	fmt.Fprintf(w, "rapigate_key_cache_lookups_total{result=\"hit\"} %d\n", snap.KeyCacheHits)
	fmt.Fprintf(w, "rapigate_key_cache_lookups_total{result=\"miss\"} %d\n", snap.KeyCacheMisses)

	fmt.Fprintf(w, "rapigate_command_duration_seconds_count %d\n", snap.DispatchCount)
	fmt.Fprintf(w, "rapigate_command_duration_seconds_sum %.6f\n", float64(snap.DispatchDurationNs)/1e9)

	fmt.Fprintf(w, "rapigate_call_log_recorded_total{status=\"success\"} %d\n", snap.CallsRecorded)
	fmt.Fprintf(w, "rapigate_call_log_recorded_total{status=\"failed\"} %d\n", snap.CallsRecordFailed)

	fmt.Fprintf(w, "rapigate_call_log_processed_total{status=\"success\"} %d\n", snap.CallsProcessed)
	fmt.Fprintf(w, "rapigate_call_log_processed_total{status=\"failed\"} %d\n", snap.CallsProcessedFailed)
	fmt.Fprintf(w, "rapigate_call_log_processed_total{status=\"skipped\"} %d\n", snap.CallsProcessedSkipped)

	fmt.Fprintf(w, "rapigate_call_log_batches_total %d\n", snap.CallLogBatchCount)
	fmt.Fprintf(w, "rapigate_call_log_queue_depth %d\n", snap.CallLogQueueDepth)
}
