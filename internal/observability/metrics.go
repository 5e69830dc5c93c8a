package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/beaconproof/pkg/gindex"
	"github.com/3leaps/beaconproof/pkg/jobregistry"
)

// Metrics exports job and verification counters. It satisfies
// jobregistry.Observer and pipeline.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	jobDuration   prometheus.Histogram
}

var _ jobregistry.Observer = (*Metrics)(nil)

// NewMetrics creates a private registry with the service collectors plus
// the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaconproof_jobs_total",
			Help: "Jobs by lifecycle event (created, completed, failed).",
		}, []string{"state"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaconproof_verifications_total",
			Help: "Proof verifications by verdict reason.",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaconproof_job_duration_seconds",
			Help:    "Time from job creation to a terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.jobsTotal,
		m.verifications,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// JobCreated implements jobregistry.Observer.
func (m *Metrics) JobCreated(string) {
	m.jobsTotal.WithLabelValues("created").Inc()
}

// JobFinished implements jobregistry.Observer.
func (m *Metrics) JobFinished(_ string, state jobregistry.JobState, elapsed time.Duration) {
	m.jobsTotal.WithLabelValues(string(state)).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

// WatchRegistry exports the registry's in-progress count as a gauge read at
// scrape time, so evictions never leave it stale.
func (m *Metrics) WatchRegistry(r *jobregistry.Registry) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "beaconproof_jobs_in_progress",
		Help: "Jobs created but not yet terminal.",
	}, func() float64 {
		return float64(r.InProgress())
	}))
}

// VerificationFinished records a verifier verdict.
func (m *Metrics) VerificationFinished(reason gindex.Reason) {
	m.verifications.WithLabelValues(string(reason)).Inc()
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
