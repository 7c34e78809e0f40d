// Package metrics exposes Prometheus counters for request outcomes and
// notification delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors on a private registry so
// repeated construction in tests cannot trip duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	RequestsCompleted *prometheus.CounterVec
	RequestsFailed    *prometheus.CounterVec
	NotifyDropped     prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backlogd_requests_completed_total",
				Help: "Total number of requests that reached COMPLETED",
			},
			[]string{"task_type"},
		),

		RequestsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backlogd_requests_failed_total",
				Help: "Total number of requests that reached FAILED",
			},
			[]string{"task_type"},
		),

		NotifyDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backlogd_notifications_dropped_total",
				Help: "Total number of terminal notifications dropped after retry",
			},
		),
	}
}

// RequestCompleted counts one completed request.
func (m *Metrics) RequestCompleted(taskType string) {
	m.RequestsCompleted.WithLabelValues(taskType).Inc()
}

// RequestFailed counts one failed request.
func (m *Metrics) RequestFailed(taskType string) {
	m.RequestsFailed.WithLabelValues(taskType).Inc()
}

// NotificationDropped counts one notification lost to a broker outage.
func (m *Metrics) NotificationDropped() {
	m.NotifyDropped.Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
