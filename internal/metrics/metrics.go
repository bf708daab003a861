// Package metrics provides Prometheus collectors and an HTTP handler for
// exporting watchbot runtime metrics.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	commands       *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	retries        prometheus.Counter
	inboundDropped prometheus.Counter
	notifyBatches  prometheus.Counter
	notifyDuration prometheus.Histogram
	subscribers    prometheus.Gauge

	delivered atomic.Int64
	failed    atomic.Int64
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_commands_total",
			Help: "Inbound commands processed, by command and result",
		}, []string{"command", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchbot_deliveries_total",
			Help: "Outbound deliveries, by kind and final status",
		}, []string{"kind", "status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchbot_delivery_retries_total",
			Help: "Plain-text retries after a failed rich or picture send",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchbot_inbound_dropped_total",
			Help: "Inbound messages dropped because a worker queue was full",
		}),
		notifyBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchbot_notify_batches_total",
			Help: "Notify calls",
		}),
		notifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchbot_notify_duration_seconds",
			Help:    "Duration of a Notify fan-out",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchbot_notify_recipients",
			Help: "Recipients resolved by the last Notify call",
		}),
	}
	m.reg.MustRegister(
		m.commands,
		m.deliveries,
		m.retries,
		m.inboundDropped,
		m.notifyBatches,
		m.notifyDuration,
		m.subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// IncCommand counts a processed command. result is "ok" or an error class.
func (m *Metrics) IncCommand(command, result string) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	m.commands.WithLabelValues(command, result).Inc()
}

// IncDelivery counts one finished delivery.
func (m *Metrics) IncDelivery(kind, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, status).Inc()
	if status == "failed" {
		m.failed.Add(1)
	} else {
		m.delivered.Add(1)
	}
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncInboundDropped() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}

// ObserveNotify records one Notify fan-out.
func (m *Metrics) ObserveNotify(d time.Duration, recipients int) {
	if m == nil {
		return
	}
	m.notifyBatches.Inc()
	m.notifyDuration.Observe(d.Seconds())
	m.subscribers.Set(float64(recipients))
}

// Snapshot is a cheap summary for health endpoints.
type Snapshot struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{Delivered: m.delivered.Load(), Failed: m.failed.Load()}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler returns an HTTP handler that exposes the Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
