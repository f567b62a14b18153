package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder fans wizard step observations out to SQLite and Prometheus.
type Recorder struct {
	store    *Store
	steps    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewRecorder registers the wizard collectors on reg. A nil reg gets a private registry.
func NewRecorder(store *Store, reg *prometheus.Registry, logger *slog.Logger) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store: store,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plantplan",
			Subsystem: "wizard",
			Name:      "steps_total",
			Help:      "Wizard steps handled, by step, action and outcome.",
		}, []string{"step", "action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plantplan",
			Subsystem: "wizard",
			Name:      "step_duration_seconds",
			Help:      "Wizard step latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		gatherer: reg,
		logger:   logger,
	}
	for _, c := range []prometheus.Collector{r.steps, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RecordStep records a wizard step. Storage failures are logged only.
func (r *Recorder) RecordStep(ctx context.Context, step, action, outcome string, latency time.Duration) {
	r.steps.WithLabelValues(step, action, outcome).Inc()
	r.latency.WithLabelValues(action).Observe(latency.Seconds())

	if r.store == nil {
		return
	}
	err := r.store.Record(ctx, StepMetric{
		Step:      step,
		Action:    action,
		Outcome:   outcome,
		LatencyMS: latency.Milliseconds(),
	})
	if err != nil {
		r.logger.Warn("failed to persist step metric", "step", step, "action", action, "error", err)
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
