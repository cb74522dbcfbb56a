// Package metrics holds the Prometheus collectors for rendering, delivery,
// inbox polling and the capture sink.
//
// All recording methods are safe on a nil *Metrics, so components take an
// optional collector and record unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config configures the collectors.
type Config struct {
	// Namespace prefixes every metric name (default: "mailtree").
	Namespace string
	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels
	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64
	// Registry receives the collectors and backs Handler.
	// Default: a fresh registry with the Go and process collectors.
	Registry *prometheus.Registry
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = registry }
}

// Metrics is the set of collectors.
type Metrics struct {
	registry *prometheus.Registry

	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram

	sendsTotal   *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec

	inboxOpsTotal *prometheus.CounterVec
	inboxUnread   prometheus.Gauge

	sinkMessages prometheus.Counter
	sinkRejected *prometheus.CounterVec
	sinkSessions prometheus.Gauge
	sinkBytes    prometheus.Histogram
}

// New registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "mailtree",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	factory := promauto.With(cfg.Registry)
	ns, labels := cfg.Namespace, cfg.ConstLabels

	return &Metrics{
		registry: cfg.Registry,

		rendersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "render",
			Name:        "total",
			Help:        "Total number of renders by status",
			ConstLabels: labels,
		}, []string{"status"}),

		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "render",
			Name:        "duration_seconds",
			Help:        "Render duration in seconds",
			ConstLabels: labels,
			Buckets:     cfg.Buckets,
		}),

		sendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "outbox",
			Name:        "sends_total",
			Help:        "Total number of outbox sends by provider and status",
			ConstLabels: labels,
		}, []string{"provider", "status"}),

		sendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "outbox",
			Name:        "send_duration_seconds",
			Help:        "Provider delivery duration in seconds",
			ConstLabels: labels,
			Buckets:     cfg.Buckets,
		}, []string{"provider"}),

		inboxOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "inbox",
			Name:        "operations_total",
			Help:        "Total number of inbox operations by operation and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),

		inboxUnread: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "inbox",
			Name:        "unread_messages",
			Help:        "Unread messages seen by the last status call",
			ConstLabels: labels,
		}),

		sinkMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "sink",
			Name:        "messages_total",
			Help:        "Total number of messages accepted by the capture sink",
			ConstLabels: labels,
		}),

		sinkRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "sink",
			Name:        "rejected_total",
			Help:        "Total number of messages rejected by the capture sink by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		sinkSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "sink",
			Name:        "active_sessions",
			Help:        "Number of open SMTP sessions",
			ConstLabels: labels,
		}),

		sinkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "sink",
			Name:        "message_bytes",
			Help:        "Size of accepted messages in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to 16MB
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRender records one render.
func (m *Metrics) ObserveRender(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.rendersTotal.WithLabelValues(status(err)).Inc()
	m.renderDuration.Observe(d.Seconds())
}

// ObserveSend records one provider delivery.
func (m *Metrics) ObserveSend(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(provider, status(err)).Inc()
	m.sendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveInbox records one inbox operation such as "recv" or "delete".
func (m *Metrics) ObserveInbox(op string, err error) {
	if m == nil {
		return
	}
	m.inboxOpsTotal.WithLabelValues(op, status(err)).Inc()
}

// SetUnread records the unread count from a status call.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.inboxUnread.Set(float64(n))
}

// SinkAccepted records a message accepted by the sink.
func (m *Metrics) SinkAccepted(size int) {
	if m == nil {
		return
	}
	m.sinkMessages.Inc()
	m.sinkBytes.Observe(float64(size))
}

// SinkRejected records a message the sink refused, by reason.
func (m *Metrics) SinkRejected(reason string) {
	if m == nil {
		return
	}
	m.sinkRejected.WithLabelValues(reason).Inc()
}

// SessionOpened and SessionClosed track open sink sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sinkSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sinkSessions.Dec()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
