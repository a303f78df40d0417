// Package metrics records loop lifecycle metrics to Prometheus and queries
// aggregated results back from a Prometheus server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts lifecycle events. A nil Recorder is a no-op so metrics can
// be disabled by configuration.
type Recorder struct {
	registry *prometheus.Registry

	created    *prometheus.CounterVec
	started    prometheus.Counter
	finalized  *prometheus.CounterVec
	discarded  prometheus.Counter
	staleReset prometheus.Counter
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "looper_loops_created_total",
			Help: "Loops created, labeled by initial status.",
		}, []string{"initial_status"}),
		started: factory.NewCounter(prometheus.CounterOpts{
			Name: "looper_loops_started_total",
			Help: "Loop executions launched, including jumpstarts and review cycles.",
		}),
		finalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "looper_loops_finalized_total",
			Help: "Loops finalized, labeled by completion action.",
		}, []string{"action"}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "looper_loops_discarded_total",
			Help: "Loops discarded with their work thrown away.",
		}),
		staleReset: factory.NewCounter(prometheus.CounterOpts{
			Name: "looper_stale_loops_reset_total",
			Help: "Stale active loops reset to stopped after a restart or force reset.",
		}),
	}
}

// LoopCreated counts a created loop.
func (r *Recorder) LoopCreated(initialStatus string) {
	if r == nil {
		return
	}
	r.created.WithLabelValues(initialStatus).Inc()
}

// LoopStarted counts a launched execution.
func (r *Recorder) LoopStarted() {
	if r == nil {
		return
	}
	r.started.Inc()
}

// LoopFinalized counts an accept or push.
func (r *Recorder) LoopFinalized(action string) {
	if r == nil {
		return
	}
	r.finalized.WithLabelValues(action).Inc()
}

// LoopDiscarded counts a discard.
func (r *Recorder) LoopDiscarded() {
	if r == nil {
		return
	}
	r.discarded.Inc()
}

// LoopsReset counts stale loops reset to stopped.
func (r *Recorder) LoopsReset(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.staleReset.Add(float64(count))
}

// Handler returns the scrape endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
