package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for ingestion runs, fetches and analytics.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec   // labels: source, status={success,error}
	RecordsFetched *prometheus.CounterVec   // labels: source
	RecordsStored  *prometheus.CounterVec   // labels: source
	RunDuration    *prometheus.HistogramVec // labels: source

	// Fetch client metrics.
	FetchRequests *prometheus.CounterVec // labels: outcome={success,retry,error}
	FetchRetries  prometheus.Counter

	// Analytics metrics.
	AnomaliesDetected prometheus.Gauge
	AnomalyRuns       *prometheus.CounterVec // labels: status

	SchedulerJobErrors *prometheus.CounterVec // labels: job
	RebuildRunning     prometheus.Gauge
	CacheLookups       *prometheus.CounterVec // labels: result={hit,miss}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RecordsFetched,
		m.RecordsStored,
		m.RunDuration,
		m.FetchRequests,
		m.FetchRetries,
		m.AnomaliesDetected,
		m.AnomalyRuns,
		m.SchedulerJobErrors,
		m.RebuildRunning,
		m.CacheLookups,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "runs_total",
			Help:      "Orchestrated source runs by source and final status.",
		}, []string{"source", "status"}),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "records_fetched_total",
			Help:      "Records returned by source adapters before reconciliation.",
		}, []string{"source"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "records_stored_total",
			Help:      "New case rows persisted after reconciliation.",
		}, []string{"source"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flutracker",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-reconcile-persist run.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"source"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "fetch_requests_total",
			Help:      "Upstream HTTP attempts by outcome.",
		}, []string{"outcome"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "fetch_retries_total",
			Help:      "Upstream HTTP attempts that were retried after a transient failure.",
		}),
		AnomaliesDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flutracker",
			Name:      "anomalies_detected",
			Help:      "Anomalies produced by the latest detection cycle.",
		}),
		AnomalyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "anomaly_runs_total",
			Help:      "Anomaly detection cycles by status.",
		}, []string{"status"}),
		SchedulerJobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "scheduler_job_errors_total",
			Help:      "Scheduled job failures contained by the scheduler.",
		}, []string{"job"}),
		RebuildRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flutracker",
			Name:      "rebuild_running",
			Help:      "1 while the full rebuild job is running.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flutracker",
			Name:      "cache_lookups_total",
			Help:      "Read cache lookups by result.",
		}, []string{"result"}),
	}
}
