// Package metrics exposes prometheus counters for ingestion and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	samplesWritten *prometheus.CounterVec
	lastSampleTime prometheus.Gauge
	sinkErrors     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	cloudFallbacks prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heatlogd_cycles_total",
			Help: "Ingestion cycles by outcome (ok, fetch_error, malformed, write_error, skipped).",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "heatlogd_cycle_duration_seconds",
			Help:    "Duration of completed ingestion cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heatlogd_samples_written_total",
			Help: "Samples written to the store by source.",
		}, []string{"source"}),
		lastSampleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heatlogd_last_sample_timestamp_seconds",
			Help: "Unix time of the newest polled sample.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heatlogd_sink_errors_total",
			Help: "Failed sample deliveries by sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heatlogd_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heatlogd_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cloudFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heatlogd_status_fallbacks_total",
			Help: "Status requests served from the store because the cloud failed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.samplesWritten,
		m.lastSampleTime,
		m.sinkErrors,
		m.httpRequests,
		m.httpDuration,
		m.cloudFallbacks,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Cycle records the outcome of one ingestion cycle. A zero duration is
// not observed (skipped cycles).
func (m *Metrics) Cycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// SamplesWritten counts stored samples.
func (m *Metrics) SamplesWritten(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.samplesWritten.WithLabelValues(source).Add(float64(n))
}

// LastSample records the timestamp of the newest polled sample.
func (m *Metrics) LastSample(t time.Time) {
	if m == nil {
		return
	}
	m.lastSampleTime.Set(float64(t.Unix()))
}

// SinkError counts a failed sink delivery.
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// StatusFallback counts a status request served from the store.
func (m *Metrics) StatusFallback() {
	if m == nil {
		return
	}
	m.cloudFallbacks.Inc()
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
