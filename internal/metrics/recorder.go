// Package metrics records build and render metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildwatch"

// Recorder implements the build and prerender metric hooks.
type Recorder struct {
	registry       *prom.Registry
	buildDuration  *prom.HistogramVec
	buildOutcomes  *prom.CounterVec
	rebuilds       prom.Counter
	routesRendered prom.Counter
	renderErrors   prom.Counter
	clients        prom.Gauge
}

// NewRecorder constructs and registers the metrics on reg. A nil reg gets a
// private registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		registry: reg,
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of build action invocations",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"}),
		buildOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build results by kind",
		}, []string{"outcome"}),
		rebuilds: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Rebuilds triggered by file changes",
		}),
		routesRendered: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "routes_rendered_total",
			Help:      "Routes prerendered successfully",
		}),
		renderErrors: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "render_errors_total",
			Help:      "Routes that failed to prerender",
		}),
		clients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "livereload_clients",
			Help:      "Connected live reload clients",
		}),
	}
	reg.MustRegister(r.buildDuration, r.buildOutcomes, r.rebuilds, r.routesRendered, r.renderErrors, r.clients)
	return r
}

// ObserveBuild records one build result.
func (r *Recorder) ObserveBuild(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
	r.buildOutcomes.WithLabelValues(outcome).Inc()
}

// IncRebuilds counts a watch-triggered rebuild.
func (r *Recorder) IncRebuilds() {
	if r == nil {
		return
	}
	r.rebuilds.Inc()
}

// IncRoutesRendered counts a rendered route.
func (r *Recorder) IncRoutesRendered() {
	if r == nil {
		return
	}
	r.routesRendered.Inc()
}

// IncRenderErrors counts a failed route.
func (r *Recorder) IncRenderErrors() {
	if r == nil {
		return
	}
	r.renderErrors.Inc()
}

// SetClients reports the number of live reload clients.
func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

// Registry returns the registry the metrics live in.
func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
