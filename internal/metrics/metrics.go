package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the findings pipeline.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	ObjectsTotal        *prometheus.CounterVec
	RecordsTotal        *prometheus.CounterVec
	ExtractionFailures  *prometheus.CounterVec
	WriteRetries        prometheus.Counter
	CredentialFailures  *prometheus.CounterVec
	LastSuccessfulRunTS prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the pipeline metrics on reg. A nil reg uses a fresh private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findings_ingestion_runs_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "findings_ingestion_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ObjectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findings_ingestion_objects_total",
			Help: "Pool objects seen by the change detector, by decision",
		}, []string{"decision"}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findings_ingestion_records_total",
			Help: "Finding records by write outcome",
		}, []string{"outcome"}),
		ExtractionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findings_ingestion_extraction_failures_total",
			Help: "Documents whose extraction produced no records, by failure kind",
		}, []string{"kind"}),
		WriteRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "findings_ingestion_write_retries_total",
			Help: "Store write attempts retried after a transient failure",
		}),
		CredentialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "findings_ingestion_credential_failures_total",
			Help: "Runs aborted because no valid credential could be obtained",
		}, []string{"kind"}),
		LastSuccessfulRunTS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "findings_ingestion_last_successful_run_timestamp_seconds",
			Help: "Unix time of the last run that completed without failures",
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(status string, started time.Time, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	if status == "success" {
		m.LastSuccessfulRunTS.Set(float64(started.Unix()))
	}
}

// IncObjects counts one pool object by the detector's decision.
func (m *Metrics) IncObjects(decision string) {
	m.ObjectsTotal.WithLabelValues(decision).Inc()
}

// AddRecords adds n records with the given write outcome.
func (m *Metrics) AddRecords(outcome string, n int) {
	if n > 0 {
		m.RecordsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// IncExtractionFailure counts a failed extraction or object read by kind.
func (m *Metrics) IncExtractionFailure(kind string) {
	m.ExtractionFailures.WithLabelValues(kind).Inc()
}

// IncWriteRetries counts one repeated upsert attempt.
func (m *Metrics) IncWriteRetries() {
	m.WriteRetries.Inc()
}

// IncCredentialFailure counts a credential renewal failure by kind.
func (m *Metrics) IncCredentialFailure(kind string) {
	m.CredentialFailures.WithLabelValues(kind).Inc()
}

// Handler serves the registry the metrics were registered on. It falls back to the
// default gatherer when that registry cannot be gathered from.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
