// Package metrics exposes Prometheus metrics for the dispatch engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for zapdrip
type Metrics struct {
	MessagesSentTotal    prometheus.Counter
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal *prometheus.CounterVec
	SendDurationSeconds  prometheus.Histogram

	CampaignsRunning   prometheus.Gauge
	BreakerTripsTotal  prometheus.Counter
	HourlyCapHitsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdrip_messages_sent_total",
			Help: "Total number of messages accepted by the gateway",
		}),
		MessagesFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdrip_messages_failed_total",
			Help: "Total number of failed sends",
		}, []string{"kind"}), // transient, permanent
		MessagesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdrip_messages_skipped_total",
			Help: "Total number of contacts skipped by the eligibility filter",
		}, []string{"reason"}), // opt_out, no_consent
		SendDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zapdrip_send_duration_seconds",
			Help:    "Gateway send latency including internal retries",
			Buckets: prometheus.DefBuckets,
		}),
		CampaignsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapdrip_campaigns_running",
			Help: "Number of campaigns currently being dispatched",
		}),
		BreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdrip_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		}),
		HourlyCapHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdrip_hourly_cap_hits_total",
			Help: "Total number of sends delayed or refused by the hourly cap",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.SendDurationSeconds,
		m.CampaignsRunning,
		m.BreakerTripsTotal,
		m.HourlyCapHitsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
