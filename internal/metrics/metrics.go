// Package metrics holds the Prometheus collectors exported by folio.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the promotion and job collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Promotions          *prometheus.CounterVec
	PromotionDuration   prometheus.Histogram
	AssetDeleteFailures prometheus.Counter
	PagesRemoved        prometheus.Counter
	Jobs                *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Promotions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_promotions_total",
				Help: "Promotions by outcome",
			},
			[]string{"result"}, // success/error
		),
		PromotionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "folio_promotion_duration_seconds",
				Help:    "Wall time of a promotion including lock wait",
				Buckets: prometheus.DefBuckets,
			},
		),
		AssetDeleteFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "folio_asset_delete_failures_total",
				Help: "Obsolete asset files that could not be deleted",
			},
		),
		PagesRemoved: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "folio_pages_removed_total",
				Help: "Pages dropped from the production manifest",
			},
		),
		Jobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_jobs_total",
				Help: "Finalize job status transitions",
			},
			[]string{"status"}, // queued/succeeded/failed
		),
	}
}

// ObservePromotion records one promotion attempt.
func (m *Metrics) ObservePromotion(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Promotions.WithLabelValues(result).Inc()
	m.PromotionDuration.Observe(d.Seconds())
}

// ObserveCleanup records removed pages and failed asset deletions.
func (m *Metrics) ObserveCleanup(pagesRemoved, deleteFailures int) {
	if m == nil {
		return
	}
	m.PagesRemoved.Add(float64(pagesRemoved))
	m.AssetDeleteFailures.Add(float64(deleteFailures))
}

// ObserveJob records a job being queued or finishing.
func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(status).Inc()
}
