// Package metrics holds the Prometheus collectors for cascade runs. HTTP
// request metrics come from the fiberprometheus middleware.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shopfloor"

// Outcomes recorded on shopfloor_cascade_runs_total.
const (
	OutcomeCommitted    = "committed"
	OutcomeSimulated    = "simulated"
	OutcomeLimit        = "limit"
	OutcomeOverlap      = "overlap"
	OutcomeInvalidRange = "invalid_range"
	OutcomeConcurrency  = "concurrency"
	OutcomeError        = "error"
)

type Recorder struct {
	runs  *prometheus.CounterVec
	moves prometheus.Histogram
}

// New registers the collectors on reg. Use a fresh registry per Recorder in
// tests; prometheus.DefaultRegisterer panics on double registration.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_runs_total",
			Help:      "Cascade runs by outcome.",
		}, []string{"outcome"}),
		moves: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cascade_moves",
			Help:      "Appointments pushed per successful cascade run.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 25, 50},
		}),
	}
}

// ObserveCascade counts a run. moves is only observed for runs that planned
// successfully.
func (r *Recorder) ObserveCascade(outcome string, moves int) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCommitted || outcome == OutcomeSimulated {
		r.moves.Observe(float64(moves))
	}
}
