package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the notification engine
type Metrics struct {
	registry *prometheus.Registry

	NotificationsSubmitted *prometheus.CounterVec
	Deliveries             *prometheus.CounterVec
	SinkDuration           *prometheus.HistogramVec
	DispatchDuration       *prometheus.HistogramVec
	FanoutSize             prometheus.Histogram
	ScheduledClaims        prometheus.Counter
	RequestDuration        *prometheus.HistogramVec
	RetryCount             *prometheus.CounterVec
	ActiveConnections      prometheus.Gauge
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		NotificationsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_submitted_total",
				Help: "Total number of accepted notifications",
			},
			[]string{"type", "priority"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_deliveries_total",
				Help: "Total number of recorded delivery attempts",
			},
			[]string{"channel", "status"},
		),
		SinkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "channel_processing_duration_seconds",
				Help:    "Time taken by channel sinks to send notifications",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_dispatch_duration_seconds",
				Help:    "Time taken to dispatch a notification to all recipients",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"status"},
		),
		FanoutSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notification_fanout_recipients",
				Help:    "Number of resolved recipients per notification",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		ScheduledClaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notification_scheduled_claims_total",
				Help: "Total number of scheduled notifications claimed for dispatch",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_processing_duration_seconds",
				Help:    "Time taken to process API operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "operation"},
		),
		RetryCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_retries_total",
				Help: "Total number of delivery retries",
			},
			[]string{"channel"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active connections to the service",
			},
		),
	}

	metrics.registry.MustRegister(
		metrics.NotificationsSubmitted,
		metrics.Deliveries,
		metrics.SinkDuration,
		metrics.DispatchDuration,
		metrics.FanoutSize,
		metrics.ScheduledClaims,
		metrics.RequestDuration,
		metrics.RetryCount,
		metrics.ActiveConnections,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return metrics
}

// RecordSubmitted records an accepted notification
func (m *Metrics) RecordSubmitted(notificationType, priority string) {
	m.NotificationsSubmitted.WithLabelValues(notificationType, priority).Inc()
}

// RecordDelivery records one delivery log write
func (m *Metrics) RecordDelivery(channel, status string) {
	m.Deliveries.WithLabelValues(channel, status).Inc()
}

// RecordSinkDuration records channel processing duration
func (m *Metrics) RecordSinkDuration(channel string, duration float64) {
	m.SinkDuration.WithLabelValues(channel).Observe(duration)
}

// RecordDispatch records a finished dispatch
func (m *Metrics) RecordDispatch(status string, duration float64) {
	m.DispatchDuration.WithLabelValues(status).Observe(duration)
}

// ObserveFanout records the size of a resolved recipient set
func (m *Metrics) ObserveFanout(recipients int) {
	m.FanoutSize.Observe(float64(recipients))
}

// RecordClaims records scheduled notifications claimed by one tick
func (m *Metrics) RecordClaims(n int) {
	m.ScheduledClaims.Add(float64(n))
}

// RecordProcessingDuration records processing duration
func (m *Metrics) RecordProcessingDuration(transport, operation string, duration float64) {
	m.RequestDuration.WithLabelValues(transport, operation).Observe(duration)
}

// RecordRetry records a delivery retry
func (m *Metrics) RecordRetry(channel string) {
	m.RetryCount.WithLabelValues(channel).Inc()
}

// IncrementActiveConnections increments active connections
func (m *Metrics) IncrementActiveConnections() {
	m.ActiveConnections.Inc()
}

// DecrementActiveConnections decrements active connections
func (m *Metrics) DecrementActiveConnections() {
	m.ActiveConnections.Dec()
}

// Registry exposes the registry for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
