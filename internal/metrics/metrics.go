package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so library code never needs a guard at call sites.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns          *prometheus.CounterVec
	syncDuration      prometheus.Summary
	lastSyncSuccess   prometheus.Gauge
	entriesProcessed  *prometheus.CounterVec
	segmentBatches    prometheus.Counter
	inferenceRequests *prometheus.CounterVec
	analyses          *prometheus.CounterVec
	staleAlerts       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "sync_runs_total",
		Help:      "Sync passes by mode and outcome",
	}, []string{"mode", "status"})
	m.syncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "pensieve",
		Name:      "sync_duration_seconds",
		Help:      "Time spent per sync pass",
	})
	m.lastSyncSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pensieve",
		Name:      "last_sync_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync pass",
	})
	m.entriesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "entries_processed_total",
		Help:      "Entries handled during sync by result",
	}, []string{"result"})
	m.segmentBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "segment_insert_batches_total",
		Help:      "Segment insert batches issued",
	})
	m.inferenceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "inference_requests_total",
		Help:      "Inference calls by provider and status",
	}, []string{"provider", "status"})
	m.analyses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "analyses_total",
		Help:      "Analysis outcomes by status",
	}, []string{"status"})
	m.staleAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pensieve",
		Name:      "stale_alerts_total",
		Help:      "Staleness alerts posted to the webhook",
	})
	m.registry.MustRegister(
		m.syncRuns, m.syncDuration, m.lastSyncSuccess,
		m.entriesProcessed, m.segmentBatches,
		m.inferenceRequests, m.analyses, m.staleAlerts,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SyncRun(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, status).Inc()
	m.syncDuration.Observe(duration.Seconds())
	if status == "ok" {
		m.lastSyncSuccess.Set(float64(time.Now().Unix()))
	}
}

func (m *Metrics) EntryProcessed(result string) {
	if m == nil {
		return
	}
	m.entriesProcessed.WithLabelValues(result).Inc()
}

func (m *Metrics) SegmentBatches(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentBatches.Add(float64(n))
}

func (m *Metrics) InferenceRequest(provider, status string) {
	if m == nil {
		return
	}
	m.inferenceRequests.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) Analysis(status string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(status).Inc()
}

func (m *Metrics) StaleAlert() {
	if m == nil {
		return
	}
	m.staleAlerts.Inc()
}
