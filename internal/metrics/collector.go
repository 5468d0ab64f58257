// Package metrics exposes dispatch and analytics activity as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"reactbot/internal/domain"
	"reactbot/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	// Namespace prefixes every metric name (default: "reactbot").
	Namespace string

	// Registry defaults to a fresh registry with Go and process collectors.
	Registry *prometheus.Registry

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// Collector implements the dispatch and analytics observer interfaces.
type Collector struct {
	namespace string
	registry  *prometheus.Registry
	startTime time.Time

	outcomes   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	attempts   prometheus.Histogram
	waited     prometheus.Histogram
	admissions *prometheus.CounterVec
	inFlight   prometheus.Gauge
	degraded   *prometheus.CounterVec
}

func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "reactbot"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	}

	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Collector{
		namespace: ns,
		registry:  cfg.Registry,
		startTime: time.Now(),

		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "outcomes_total",
			Help:      "Terminal reaction outcomes by platform, status and error class",
		}, []string{"platform", "status", "class"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "outcome_latency_seconds",
			Help:      "Time from intent creation to outcome",
			Buckets:   cfg.Buckets,
		}, []string{"status"}),

		attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "attempts_per_intent",
			Help:      "Platform calls made per admitted intent",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}),

		waited: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "retry_wait_seconds",
			Help:      "Total throttle and backoff wait per intent",
			Buckets:   cfg.Buckets,
		}),

		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "admissions_total",
			Help:      "Rate limit guard decisions by result and denying window",
		}, []string{"result", "window"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "intents_in_flight",
			Help:      "Intents currently held by a worker",
		}),

		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "degradations_total",
			Help:      "Persistence failures that were dropped after retry",
		}, []string{"op"}),
	}
}

// ObserveOutcome counts one terminal outcome.
func (c *Collector) ObserveOutcome(o domain.Outcome) {
	platform := o.Scope.Platform()
	if platform == "" {
		platform = "unknown"
	}
	class := string(o.ErrorClass)
	if class == "" {
		class = "none"
	}
	c.outcomes.WithLabelValues(platform, string(o.Status), class).Inc()
	if o.Latency > 0 {
		c.latency.WithLabelValues(string(o.Status)).Observe(o.Latency.Seconds())
	}
	if o.Attempts > 0 {
		c.attempts.Observe(float64(o.Attempts))
		c.waited.Observe(o.TotalWait.Seconds())
	}
}

// ObserveDegraded counts a persistence failure that was given up on.
func (c *Collector) ObserveDegraded(op string) {
	c.degraded.WithLabelValues(op).Inc()
}

// ObserveAdmission counts one guard decision. Denials are labelled with the
// kind of window that denied, never the scope.
func (c *Collector) ObserveAdmission(_ domain.Intent, dec ratelimit.Decision) {
	if dec.Admitted {
		c.admissions.WithLabelValues("admitted", "none").Inc()
		return
	}
	window := dec.DeniedBy
	if strings.HasPrefix(window, ratelimit.ChatKey("")) {
		window = "chat"
	}
	c.admissions.WithLabelValues("denied", window).Inc()
}

func (c *Collector) ObserveInFlight(delta int) {
	c.inFlight.Add(float64(delta))
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (c *Collector) CounterFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
