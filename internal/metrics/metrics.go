// Package metrics holds the Prometheus collectors exported by a quarry process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Role activation results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Registry holds all metrics for one process.
type Registry struct {
	// Cluster membership, maintained by the master registry.
	ClusterMachines          prometheus.Gauge
	ClusterJoinsTotal        prometheus.Counter
	ClusterDisconnectsTotal  prometheus.Counter
	RoleActivationsTotal     *prometheus.CounterVec
	RoleActivationsRequested *prometheus.CounterVec

	// Transport.
	VatSessions   prometheus.Gauge
	VatCallsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}
	r.initClusterMetrics()
	r.initVatMetrics()
	return r
}

func (r *Registry) initClusterMetrics() {
	r.ClusterMachines = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_cluster_machines",
			Help: "Number of machines currently registered with the master",
		},
	)

	r.ClusterJoinsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_cluster_joins_total",
			Help: "Total number of accepted addMachine calls",
		},
	)

	r.ClusterDisconnectsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_cluster_disconnects_total",
			Help: "Total number of registered machines dropped after their channel closed",
		},
	)

	r.RoleActivationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_role_activations_total",
			Help: "Role activations served by the local machine broker",
		},
		[]string{"role", "result"},
	)

	r.RoleActivationsRequested = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_role_activations_requested_total",
			Help: "Role activations requested by the master",
		},
		[]string{"role", "result"},
	)
}

func (r *Registry) initVatMetrics() {
	r.VatSessions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_vat_sessions",
			Help: "Open inbound channel sessions",
		},
	)

	r.VatCallsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_vat_calls_total",
			Help: "Inbound capability calls by method and outcome",
		},
		[]string{"method", "result"},
	)
}

// RecordRoleActivation counts one broker-side activation attempt.
func (r *Registry) RecordRoleActivation(role string, err error) {
	r.RoleActivationsTotal.WithLabelValues(role, result(err)).Inc()
}

// RecordRoleRequest counts one master-side activation request.
func (r *Registry) RecordRoleRequest(role string, err error) {
	r.RoleActivationsRequested.WithLabelValues(role, result(err)).Inc()
}

// RecordCall counts one inbound capability call.
func (r *Registry) RecordCall(method string, err error) {
	r.VatCallsTotal.WithLabelValues(method, result(err)).Inc()
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}
