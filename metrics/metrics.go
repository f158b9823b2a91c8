// Package metrics exposes Prometheus instrumentation for the purchase flow
// and the background jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Purchase outcomes.
const (
	OutcomeCreated    = "created"
	OutcomeIdempotent = "idempotent"
	OutcomeOverdraft  = "overdraft"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// Scrape and review results.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics groups every collector the service registers. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Purchase attempts by outcome
	Consumptions *prometheus.CounterVec

	// Value debited by accepted purchases
	ConsumedValue prometheus.Counter

	// Receipt scrapes by result
	Scrapes       *prometheus.CounterVec
	ScrapeLatency prometheus.Histogram

	// Reviews by result and the invalid value they flagged
	Reviews      *prometheus.CounterVec
	InvalidValue prometheus.Counter

	// Job runs by job and status
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobSkipped  *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Consumptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_consumptions_total",
			Help: "Purchase attempts by outcome",
		}, []string{"outcome"}),

		ConsumedValue: f.NewCounter(prometheus.CounterOpts{
			Name: "welfare_consumed_value_total",
			Help: "Sum of the value of accepted purchases",
		}),

		Scrapes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_receipt_scrapes_total",
			Help: "Receipt scrape attempts by result",
		}, []string{"result"}),

		ScrapeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "welfare_receipt_scrape_duration_seconds",
			Help:    "Duration of a single receipt fetch and parse",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),

		Reviews: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_consumption_reviews_total",
			Help: "Consumption reviews by result",
		}, []string{"result"}),

		InvalidValue: f.NewCounter(prometheus.CounterOpts{
			Name: "welfare_invalid_value_total",
			Help: "Sum of purchase value flagged invalid by review",
		}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_job_runs_total",
			Help: "Background job runs by job and status",
		}, []string{"job", "status"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "welfare_job_duration_seconds",
			Help:    "Duration of background job runs",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"job"}),

		JobSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "welfare_job_skipped_total",
			Help: "Job triggers dropped because a run was already in progress",
		}, []string{"job"}),
	}
}

// ObserveConsumption records a purchase attempt. value is only added for
// created purchases.
func (m *Metrics) ObserveConsumption(outcome string, value float64) {
	if m == nil {
		return
	}
	m.Consumptions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCreated && value > 0 {
		m.ConsumedValue.Add(value)
	}
}

// ObserveScrape records one receipt scrape.
func (m *Metrics) ObserveScrape(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Scrapes.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		m.ScrapeLatency.Observe(d.Seconds())
	}
}

// ObserveReview records one consumption review and the value it flagged.
func (m *Metrics) ObserveReview(result string, invalid float64) {
	if m == nil {
		return
	}
	m.Reviews.WithLabelValues(result).Inc()
	if invalid > 0 {
		m.InvalidValue.Add(invalid)
	}
}

// ObserveJobRun records a finished job run.
func (m *Metrics) ObserveJobRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// IncJobSkipped records a trigger dropped by the single-flight guard.
func (m *Metrics) IncJobSkipped(job string) {
	if m != nil {
		m.JobSkipped.WithLabelValues(job).Inc()
	}
}
