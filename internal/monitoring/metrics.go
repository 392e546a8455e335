// Package monitoring holds the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all gateway-side Prometheus collectors.
type Metrics struct {
	AuthorizeTotal    *prometheus.CounterVec
	AuthorizeDuration prometheus.Histogram
	ProphecyTotal     prometheus.Counter
	HeartbeatTotal    *prometheus.CounterVec
	SyncTicks         *prometheus.CounterVec
	LedgerUnsynced    prometheus.Gauge
	LedgerSize        prometheus.Gauge
	PolicyRules       prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		AuthorizeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_authorize_total",
				Help: "Authorization decisions by verdict and gateway mode",
			},
			[]string{"verdict", "mode"},
		),
		AuthorizeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentinel_authorize_duration_seconds",
				Help:    "End-to-end authorize latency",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ProphecyTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_prophecy_simulations_total",
				Help: "Prophecy simulations run for boundary-case actions",
			},
		),
		HeartbeatTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_heartbeat_total",
				Help: "Agent heartbeats by result status",
			},
			[]string{"status"},
		),
		SyncTicks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_sync_steps_total",
				Help: "Sync engine step outcomes",
			},
			[]string{"step", "outcome"}, // step: policies, revocations, flush
		),
		LedgerUnsynced: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_ledger_unsynced",
				Help: "Decision records awaiting flush to the master chain",
			},
		),
		LedgerSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_ledger_records_total",
				Help: "Total decision records in the local ledger",
			},
		),
		PolicyRules: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_policy_rules",
				Help: "Rules in the currently loaded policy bundle",
			},
		),
	}
}
