package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commission"

// Upload outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeRowErrors = "row_errors"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeThrottled = "throttled"
)

// Row outcomes.
const (
	RowProcessed = "processed"
	RowDropped   = "dropped"
	RowError     = "error"
)

// Metrics holds the engine's collectors, registered on one registry.
type Metrics struct {
	Uploads             *prometheus.CounterVec
	Rows                *prometheus.CounterVec
	TransactionsCreated prometheus.Counter
	DealsCreated        prometheus.Counter
	IngestDuration      *prometheus.HistogramVec
	MatchScore          prometheus.Histogram
	ReportsReaped       prometheus.Counter
	UploadsInFlight     prometheus.Gauge
}

// NewMetrics registers every collector on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "uploads_total",
			Help:      "Uploaded carrier reports by carrier and outcome.",
		}, []string{"carrier", "outcome"}),

		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Report rows by carrier and outcome.",
		}, []string{"carrier", "outcome"}),

		TransactionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "transactions_total",
			Help:      "Commission transactions written.",
		}),

		DealsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "deals_created_total",
			Help:      "Deals created from report rows.",
		}),

		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Wall time to ingest one report.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"carrier"}),

		MatchScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "best_score",
			Help:      "Best product similarity score per matched row.",
			Buckets:   []float64{0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		}),

		ReportsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "reports_total",
			Help:      "Reports marked abandoned by the reaper.",
		}),

		UploadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "uploads_in_flight",
			Help:      "Uploads currently holding an admission slot.",
		}),
	}
}

// ObserveIngest records one finished upload.
func (m *Metrics) ObserveIngest(carrier, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(carrier, outcome).Inc()
	m.IngestDuration.WithLabelValues(carrier).Observe(elapsed.Seconds())
}

// AddRows adds n rows with the given outcome.
func (m *Metrics) AddRows(carrier, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Rows.WithLabelValues(carrier, outcome).Add(float64(n))
}
