package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed flush cycles.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sba_flush_cycles_total",
			Help: "Total number of flush cycles",
		},
		[]string{"auto_mode"},
	)

	// CycleDuration is the wall time of one flush cycle.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sba_flush_cycle_duration_seconds",
			Help:    "Flush cycle duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// TierChanges counts committed transitions.
	TierChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sba_tier_changes_total",
			Help: "Total number of committed tier changes",
		},
		[]string{"from", "to", "source"},
	)

	// EnforcementResults counts backend calls by outcome.
	EnforcementResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sba_enforcement_total",
			Help: "Total number of enforcement calls",
		},
		[]string{"backend", "status"},
	)

	// AnomaliesDetected counts 2-sigma overrides.
	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sba_anomalies_detected_total",
			Help: "Total number of anomaly overrides",
		},
	)

	// DeviceFailures counts per-device faults caught inside a cycle.
	DeviceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sba_device_failures_total",
			Help: "Per-device processing failures caught in a flush cycle",
		},
		[]string{"stage"},
	)

	// AutoMode is 1 while the allocator reclassifies devices.
	AutoMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sba_auto_mode",
			Help: "Whether automatic allocation is enabled",
		},
	)

	// TrackedDevices is the number of devices with rolling history.
	TrackedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sba_tracked_devices",
			Help: "Number of devices with rolling history",
		},
	)

	// MaintenanceRuns counts cron job executions.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sba_maintenance_runs_total",
			Help: "Total number of maintenance job runs",
		},
		[]string{"job", "status"},
	)
)

func boolLabel(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ObserveCycle records one completed flush cycle.
func ObserveCycle(autoMode bool, seconds float64, tracked int) {
	CyclesTotal.WithLabelValues(boolLabel(autoMode)).Inc()
	CycleDuration.Observe(seconds)
	TrackedDevices.Set(float64(tracked))
}

// SetAutoMode mirrors the engine flag.
func SetAutoMode(enabled bool) {
	if enabled {
		AutoMode.Set(1)
		return
	}
	AutoMode.Set(0)
}

// ObserveEnforcement records a backend call result.
func ObserveEnforcement(backend string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	EnforcementResults.WithLabelValues(backend, status).Inc()
}
