package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Planning metrics
	PlansTotal        *prometheus.CounterVec
	PlanningDuration  *prometheus.HistogramVec
	MigrationsPlanned *prometheus.CounterVec
	PlanErrors        *prometheus.CounterVec

	// Topology metrics
	NodesTracked  *prometheus.GaugeVec
	DCLoadSpread  *prometheus.GaugeVec
	TabletsTotal  prometheus.Gauge
	TablesTracked prometheus.Gauge

	// Lease metrics
	LeaseAcquisitions *prometheus.CounterVec
	LeaseHeld         prometheus.Gauge

	// Allocation metrics
	AllocationsTotal   *prometheus.CounterVec
	AllocationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PlansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_plans_total",
				Help: "Total number of planning rounds executed",
			},
			[]string{"status"},
		),

		PlanningDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_planning_duration_seconds",
				Help:    "Duration of plan preparation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		MigrationsPlanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_migrations_planned_total",
				Help: "Total number of tablet migrations emitted in plans",
			},
			[]string{"dc"},
		),

		PlanErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_plan_errors_total",
				Help: "Total number of planning errors",
			},
			[]string{"error_type"},
		),

		NodesTracked: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancer_nodes_tracked",
				Help: "Number of nodes in the current topology snapshot",
			},
			[]string{"dc", "state"},
		),

		DCLoadSpread: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancer_dc_load_spread",
				Help: "Difference between max and min per-shard load in a datacenter",
			},
			[]string{"dc"},
		),

		TabletsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "balancer_tablets_total",
				Help: "Total number of tablets across all tracked tables",
			},
		),

		TablesTracked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "balancer_tables_tracked",
				Help: "Number of tablet-aware tables in the topology",
			},
		),

		LeaseAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_lease_acquisitions_total",
				Help: "Total number of planning lease acquisition attempts",
			},
			[]string{"status"},
		),

		LeaseHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "balancer_lease_held",
				Help: "Whether this instance currently holds the planning lease",
			},
		),

		AllocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_allocations_total",
				Help: "Total number of tablet map allocations on the schema path",
			},
			[]string{"status"},
		),

		AllocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_allocation_duration_seconds",
				Help:    "Duration of tablet map allocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}
}

// RecordPlan records a completed planning round
func (m *Metrics) RecordPlan(status string, duration float64) {
	m.PlansTotal.WithLabelValues(status).Inc()
	m.PlanningDuration.WithLabelValues(status).Observe(duration)
}

// RecordMigrations records planned migrations for a datacenter
func (m *Metrics) RecordMigrations(dc string, count int) {
	m.MigrationsPlanned.WithLabelValues(dc).Add(float64(count))
}

// RecordPlanError records a planning error
func (m *Metrics) RecordPlanError(errorType string) {
	m.PlanErrors.WithLabelValues(errorType).Inc()
}

// UpdateNodesTracked updates the tracked node count for a DC and state
func (m *Metrics) UpdateNodesTracked(dc, state string, count int) {
	m.NodesTracked.WithLabelValues(dc, state).Set(float64(count))
}

// UpdateDCLoadSpread updates the load spread gauge for a datacenter
func (m *Metrics) UpdateDCLoadSpread(dc string, spread float64) {
	m.DCLoadSpread.WithLabelValues(dc).Set(spread)
}

// UpdateTabletsTotal updates the total tablet count
func (m *Metrics) UpdateTabletsTotal(count int) {
	m.TabletsTotal.Set(float64(count))
}

// UpdateTablesTracked updates the tracked table count
func (m *Metrics) UpdateTablesTracked(count int) {
	m.TablesTracked.Set(float64(count))
}

// RecordLeaseAcquisition records a lease acquisition attempt
func (m *Metrics) RecordLeaseAcquisition(status string) {
	m.LeaseAcquisitions.WithLabelValues(status).Inc()
}

// SetLeaseHeld updates the lease-held gauge
func (m *Metrics) SetLeaseHeld(held bool) {
	if held {
		m.LeaseHeld.Set(1)
	} else {
		m.LeaseHeld.Set(0)
	}
}

// RecordAllocation records a schema-path tablet map allocation
func (m *Metrics) RecordAllocation(status string, duration float64) {
	m.AllocationsTotal.WithLabelValues(status).Inc()
	m.AllocationDuration.WithLabelValues(status).Observe(duration)
}
