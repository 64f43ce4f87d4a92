package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once         sync.Once
	serviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "service",
			Name:      "state",
			Help:      "Service lifecycle state gauge (1 for current state).",
		},
		[]string{"name", "state"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of monitor-initiated restarts for the service.",
		},
		[]string{"name"},
	)
	serviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "service",
			Name:      "healthy",
			Help:      "Service health (1 healthy, 0 unhealthy).",
		},
		[]string{"name"},
	)
	deploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Name:      "deploys_total",
			Help:      "Deploy attempts by outcome (ok, validation_failed, degraded, error).",
		},
		[]string{"outcome"},
	)
	backupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpilot",
			Name:      "backups_total",
			Help:      "Backup runs by outcome (ok, skipped, error).",
		},
		[]string{"outcome"},
	)
	diskUsedPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "host",
			Name:      "disk_used_percent",
			Help:      "Root filesystem usage percent.",
		},
	)
	memUsedPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stackpilot",
			Subsystem: "host",
			Name:      "memory_used_percent",
			Help:      "Host memory usage percent.",
		},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(serviceState, serviceRestarts, serviceHealthy, deploysTotal, backupsTotal, diskUsedPercent, memUsedPercent)
	})
}

// ObserveServiceState sets the gauge for the service's current state to 1.
func ObserveServiceState(name, state string) {
	serviceState.WithLabelValues(name, state).Set(1)
}

func IncRestarts(name string) { serviceRestarts.WithLabelValues(name).Inc() }

func SetHealthy(name string, healthy bool) {
	if healthy {
		serviceHealthy.WithLabelValues(name).Set(1)
	} else {
		serviceHealthy.WithLabelValues(name).Set(0)
	}
}

func ObserveDeploy(outcome string) { deploysTotal.WithLabelValues(outcome).Inc() }
func ObserveBackup(outcome string) { backupsTotal.WithLabelValues(outcome).Inc() }

func SetDiskUsedPercent(v float64)   { diskUsedPercent.Set(v) }
func SetMemoryUsedPercent(v float64) { memUsedPercent.Set(v) }
