package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom holds the Prometheus collectors of one locallm process. Each Prom has
// its own registry so servers built in tests do not collide.
type Prom struct {
	Registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	Tokens       *prometheus.CounterVec
	TTFT         *prometheus.HistogramVec
	Active       prometheus.Gauge
	ComponentUp  *prometheus.GaugeVec
}

// NewProm registers the locallm collectors plus the Go runtime and process
// collectors on a fresh registry.
func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prom{
		Registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locallm_http_requests_total",
			Help: "HTTP requests by server, route, method and status code",
		}, []string{"server", "route", "method", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locallm_http_request_duration_seconds",
			Help:    "HTTP request duration by server and route",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"server", "route"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locallm_tokens_generated_total",
			Help: "Streamed response chunks generated, by model",
		}, []string{"model"}),
		TTFT: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locallm_time_to_first_token_seconds",
			Help:    "Latency until the first generated token",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"model"}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Name: "locallm_inference_requests_active",
			Help: "Inference requests currently in flight",
		}),
		ComponentUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "locallm_component_up",
			Help: "1 when a supervised component is healthy",
		}, []string{"component"}),
	}
}

// SetUp flips the health gauge of a component.
func (p *Prom) SetUp(component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	p.ComponentUp.WithLabelValues(component).Set(v)
}

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}
