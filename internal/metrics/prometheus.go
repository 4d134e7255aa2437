package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder exports gateway metrics through a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	keyCache       *prometheus.CounterVec
	dispatch       *prometheus.HistogramVec
	callsRecorded  *prometheus.CounterVec
	callsProcessed *prometheus.CounterVec
	batchSize      prometheus.Histogram
	queueDepth     prometheus.Gauge
}

// NewPrometheus creates a Recorder backed by a fresh Prometheus registry.
func NewPrometheus(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "rapigate"
	}

	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		keyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_lookups_total",
			Help:      "API key cache lookups by result.",
		}, []string{"result"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
		callsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_log_recorded_total",
			Help:      "Call records handed to the sink.",
		}, []string{"status"}),
		callsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_log_processed_total",
			Help:      "Call records drained from the stream.",
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_log_batch_size",
			Help:      "Call log worker batch sizes.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "call_log_queue_depth",
			Help:      "Entries pending in the call log stream.",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.admissions,
		p.keyCache,
		p.dispatch,
		p.callsRecorded,
		p.callsProcessed,
		p.batchSize,
		p.queueDepth,
	)

	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// IncAdmission counts an admission decision.
func (p *PrometheusRecorder) IncAdmission(outcome string) {
	p.admissions.WithLabelValues(outcome).Inc()
}

// IncKeyCacheHit counts a cached key validation.
func (p *PrometheusRecorder) IncKeyCacheHit() {
	p.keyCache.WithLabelValues("hit").Inc()
}

// IncKeyCacheMiss counts a key validation that went to the database.
func (p *PrometheusRecorder) IncKeyCacheMiss() {
	p.keyCache.WithLabelValues("miss").Inc()
}

// ObserveDispatch records command latency.
func (p *PrometheusRecorder) ObserveDispatch(route string, status int, duration time.Duration) {
	p.dispatch.WithLabelValues(route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// IncCallRecorded counts call-log hand-offs.
func (p *PrometheusRecorder) IncCallRecorded(status string) {
	p.callsRecorded.WithLabelValues(status).Inc()
}

// IncCallProcessed counts drained stream entries.
func (p *PrometheusRecorder) IncCallProcessed(status string) {
	p.callsProcessed.WithLabelValues(status).Inc()
}

// ObserveCallLogBatchSize records a worker batch.
func (p *PrometheusRecorder) ObserveCallLogBatchSize(size int) {
	p.batchSize.Observe(float64(size))
}

// SetCallLogQueueDepth stores the pending stream length.
func (p *PrometheusRecorder) SetCallLogQueueDepth(depth int64) {
	p.queueDepth.Set(float64(depth))
}
