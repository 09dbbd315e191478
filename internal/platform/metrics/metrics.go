// Package metrics exposes orchestrator metrics in Prometheus format.
//
// A nil *Collector is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio_ai"

// Collector owns a private registry with the orchestrator's metrics.
type Collector struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	available    *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
	cost         *prometheus.CounterVec
	fallbacks    prometheus.Counter
}

// New creates a Collector. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Provider calls by outcome.",
		}, []string{"provider", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_available",
			Help:      "1 when the provider is eligible for selection.",
		}, []string{"provider"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the priority queue.",
		}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Accumulated spend per provider.",
		}, []string{"provider"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests that needed a second provider.",
		}),
	}
	reg.MustRegister(c.requests, c.duration, c.cacheLookups, c.available, c.queueDepth, c.cost, c.fallbacks)
	return c
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one provider call.
func (c *Collector) ObserveCall(provider string, success bool, latency time.Duration, cost float64) {
	if c == nil {
		return
	}
	status := "error"
	if success {
		status = "ok"
	}
	c.requests.WithLabelValues(provider, status).Inc()
	c.duration.WithLabelValues(provider).Observe(latency.Seconds())
	if cost > 0 {
		c.cost.WithLabelValues(provider).Add(cost)
	}
}

// CacheLookup records a hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) SetAvailable(provider string, available bool) {
	if c == nil {
		return
	}
	v := 0.0
	if available {
		v = 1
	}
	c.available.WithLabelValues(provider).Set(v)
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) Fallback() {
	if c == nil {
		return
	}
	c.fallbacks.Inc()
}
