// Package metrics exposes the agent's Prometheus gauges (spec section 5's
// operational surface: active-instance count, transaction-queue depth,
// halted flag, vacant-port count) over an HTTP /metrics endpoint, following
// the pack's promhttp.Handler() wiring (faranjit-jobplane's
// internal/observability.InitMetrics), simplified from that file's
// OpenTelemetry meter provider down to direct
// github.com/prometheus/client_golang gauges since the agent has no other
// use for a full metrics SDK.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gauges every long-running process in this module
// updates on its own cadence.
type Registry struct {
	ActiveInstances prometheus.Gauge
	QueueDepth      prometheus.Gauge
	Halted          prometheus.Gauge
	VacantPorts     prometheus.Gauge

	reg *prometheus.Registry
}

// New constructs a Registry with its own prometheus.Registry, rather than
// registering against the global default, so a process can run more than
// one agent instance (e.g. in tests) without a duplicate-registration
// panic.
func New() *Registry {
	r := &Registry{
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sashimono_active_instances",
			Help: "Number of leases currently in Acquired or Extended status.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sashimono_txqueue_depth",
			Help: "Number of actions currently queued for ledger submission.",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sashimono_ledger_halted",
			Help: "1 if the ledger is currently considered halted, 0 otherwise.",
		}),
		VacantPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sashimono_vacant_ports",
			Help: "Number of port tuples currently free in the allocator's vacant stack.",
		}),
		reg: prometheus.NewRegistry(),
	}
	r.reg.MustRegister(r.ActiveInstances, r.QueueDepth, r.Halted, r.VacantPorts)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetHalted records the ledger-halt flag as 0 or 1.
func (r *Registry) SetHalted(halted bool) {
	if halted {
		r.Halted.Set(1)
		return
	}
	r.Halted.Set(0)
}
