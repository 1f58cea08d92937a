// Package metrics exports release engine signals to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dp-sidecar/internal/dp"
)

const namespace = "dpsidecar"

// Prometheus implements dp.Metrics on its own registry.
// True counts never reach a metric; only outcomes and budget spend do.
type Prometheus struct {
	reg *prometheus.Registry

	items        *prometheus.CounterVec
	epsilon      prometheus.Counter
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge
	queries      *prometheus.CounterVec
	draftErrors  prometheus.Counter
}

// New creates a Prometheus sink with Go runtime and process collectors.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		reg: reg,
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_items_total",
			Help:      "Items processed by publish ticks, by outcome.",
		}, []string{"outcome"}),
		epsilon: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epsilon_charged_total",
			Help:      "Privacy budget spent across all items.",
		}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_ticks_total",
			Help:      "Publish ticks, by result.",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_tick_duration_seconds",
			Help:      "Duration of publish ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		lastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_tick_timestamp_seconds",
			Help:      "Unix time of the last finished publish tick.",
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "count_queries_total",
			Help:      "Count queries served, by response message.",
		}, []string{"message"}),
		draftErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draft_write_errors_total",
			Help:      "Draft rows that could not be written.",
		}),
	}
}

func (p *Prometheus) ItemProcessed(outcome dp.Outcome) {
	p.items.WithLabelValues(string(outcome)).Inc()
}

func (p *Prometheus) EpsilonCharged(epsilon float64) {
	p.epsilon.Add(epsilon)
}

func (p *Prometheus) TickFinished(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.ticks.WithLabelValues(result).Inc()
	p.tickDuration.Observe(d.Seconds())
	p.lastTick.SetToCurrentTime()
}

func (p *Prometheus) QueryServed(message dp.QueryMessage) {
	p.queries.WithLabelValues(string(message)).Inc()
}

func (p *Prometheus) DraftFailed() {
	p.draftErrors.Inc()
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

var _ dp.Metrics = (*Prometheus)(nil)
