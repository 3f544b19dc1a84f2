// Package metrics provides Prometheus metrics for the design vault.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	MutationsTotal  *prometheus.CounterVec
	VerifyAttempts  prometheus.Histogram
	LockWait        prometheus.Histogram
	EventsTotal     *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge
	UploadBytes     prometheus.Counter
	ThumbnailsTotal *prometheus.CounterVec
	JobsTotal       *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_http_requests_total",
				Help: "Total HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "designvault_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_record_mutations_total",
				Help: "README mutations by operation and result.",
			},
			[]string{"op", "result"},
		),
		VerifyAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "designvault_record_verify_attempts",
				Help:    "Read-back attempts needed to confirm a status write.",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		),
		LockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "designvault_record_lock_wait_seconds",
				Help:    "Time spent waiting for the per-path mutation lock.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_change_events_total",
				Help: "Change events broadcast by type.",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "designvault_change_events_dropped_total",
				Help: "Change events dropped because a subscriber buffer was full.",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "designvault_change_subscribers",
				Help: "Number of connected change subscribers.",
			},
		),
		UploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "designvault_upload_bytes_total",
				Help: "Bytes received through chunked uploads.",
			},
		),
		ThumbnailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_thumbnails_total",
				Help: "Thumbnail requests by outcome (hit, rendered, placeholder).",
			},
			[]string{"outcome"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_jobs_total",
				Help: "Background jobs by kind and result.",
			},
			[]string{"kind", "result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "designvault_record_cache_lookups_total",
				Help: "Parsed README cache lookups by result.",
			},
			[]string{"result"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.MutationsTotal)
	reg.MustRegister(m.VerifyAttempts)
	reg.MustRegister(m.LockWait)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.EventsDropped)
	reg.MustRegister(m.Subscribers)
	reg.MustRegister(m.UploadBytes)
	reg.MustRegister(m.ThumbnailsTotal)
	reg.MustRegister(m.JobsTotal)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.CacheLookups)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest increments the HTTP request counter.
func (m *Metrics) RecordRequest(route, code string) {
	m.RequestsTotal.WithLabelValues(route, code).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordMutation counts a README mutation.
func (m *Metrics) RecordMutation(op, result string) {
	m.MutationsTotal.WithLabelValues(op, result).Inc()
}

// ObserveVerifyAttempts records how many read-backs a status write needed.
func (m *Metrics) ObserveVerifyAttempts(n int) {
	m.VerifyAttempts.Observe(float64(n))
}

// ObserveLockWait records time spent waiting for a path lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.LockWait.Observe(d.Seconds())
}

// RecordEvent counts a broadcast change event.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDropped counts an event dropped for a slow subscriber.
func (m *Metrics) RecordDropped() {
	m.EventsDropped.Inc()
}

// SetSubscribers sets the connected subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	m.Subscribers.Set(float64(n))
}

// AddUploadBytes adds received upload bytes.
func (m *Metrics) AddUploadBytes(n int64) {
	m.UploadBytes.Add(float64(n))
}

// RecordThumbnail counts a thumbnail request outcome.
func (m *Metrics) RecordThumbnail(outcome string) {
	m.ThumbnailsTotal.WithLabelValues(outcome).Inc()
}

// RecordJob counts a finished background job.
func (m *Metrics) RecordJob(kind, result string) {
	m.JobsTotal.WithLabelValues(kind, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// RecordCacheLookup counts a record cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
