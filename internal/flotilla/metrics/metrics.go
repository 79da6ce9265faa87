package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flotillaproject/flotilla/internal/balancer"
	"github.com/flotillaproject/flotilla/internal/orchestrator"
	"github.com/flotillaproject/flotilla/internal/recovery"
	"github.com/flotillaproject/flotilla/internal/registry"
)

const MetricPrefix = "flotilla_"

func ExposeFleetMetrics(
	nodeRegistry *registry.NodeRegistry,
	loadBalancer *balancer.LoadBalancer,
	recoveryEngine *recovery.Engine,
	sessionOrchestrator *orchestrator.Orchestrator,
) *FleetInfoCollector {
	collector := &FleetInfoCollector{
		nodeRegistry,
		loadBalancer,
		recoveryEngine,
		sessionOrchestrator}
	prometheus.MustRegister(collector)
	return collector
}

// FleetInfoCollector reads component statistics on every scrape, so the
// exported values always reflect live state rather than a sampling loop.
type FleetInfoCollector struct {
	nodeRegistry        *registry.NodeRegistry
	loadBalancer        *balancer.LoadBalancer
	recoveryEngine      *recovery.Engine
	sessionOrchestrator *orchestrator.Orchestrator
}

var nodeCountDesc = prometheus.NewDesc(
	MetricPrefix+"nodes",
	"Number of registered nodes by status",
	[]string{"status"},
	nil,
)

var activeTaskDesc = prometheus.NewDesc(
	MetricPrefix+"tasks_active",
	"Number of tasks currently assigned or running",
	nil,
	nil,
)

var taskOutcomeDesc = prometheus.NewDesc(
	MetricPrefix+"tasks_total",
	"Number of tasks that reached a terminal state",
	[]string{"outcome"},
	nil,
)

var taskReassignedDesc = prometheus.NewDesc(
	MetricPrefix+"tasks_reassigned_total",
	"Number of task reassignments away from failed nodes",
	nil,
	nil,
)

var selectionDesc = prometheus.NewDesc(
	MetricPrefix+"balancer_selections_total",
	"Number of node selections by balancing strategy",
	[]string{"strategy"},
	nil,
)

var strategySwitchDesc = prometheus.NewDesc(
	MetricPrefix+"balancer_strategy_switches_total",
	"Number of automatic strategy rotations by the tuning loop",
	nil,
	nil,
)

var failureDesc = prometheus.NewDesc(
	MetricPrefix+"failures_detected_total",
	"Number of failure events raised by the detection loop",
	[]string{"kind"},
	nil,
)

var recoveryOutcomeDesc = prometheus.NewDesc(
	MetricPrefix+"recoveries_total",
	"Number of recovery plans that finished",
	[]string{"outcome"},
	nil,
)

var activeRecoveryDesc = prometheus.NewDesc(
	MetricPrefix+"recoveries_active",
	"Number of failure events with recovery still in progress",
	nil,
	nil,
)

var snapshotCountDesc = prometheus.NewDesc(
	MetricPrefix+"snapshots_held",
	"Number of snapshots currently retained in memory",
	nil,
	nil,
)

var sessionActiveDesc = prometheus.NewDesc(
	MetricPrefix+"sessions_active",
	"Number of training sessions not yet in a terminal phase",
	nil,
	nil,
)

var sessionOutcomeDesc = prometheus.NewDesc(
	MetricPrefix+"sessions_total",
	"Number of training sessions that reached a terminal phase",
	[]string{"outcome"},
	nil,
)

func (c *FleetInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- nodeCountDesc
	desc <- activeTaskDesc
	desc <- taskOutcomeDesc
	desc <- taskReassignedDesc
	desc <- selectionDesc
	desc <- strategySwitchDesc
	desc <- failureDesc
	desc <- recoveryOutcomeDesc
	desc <- activeRecoveryDesc
	desc <- snapshotCountDesc
	desc <- sessionActiveDesc
	desc <- sessionOutcomeDesc
}

func (c *FleetInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	registryStats := c.nodeRegistry.GetStats()
	for status, count := range registryStats.NodesByStatus {
		metrics <- prometheus.MustNewConstMetric(nodeCountDesc, prometheus.GaugeValue, float64(count), string(status))
	}
	metrics <- prometheus.MustNewConstMetric(activeTaskDesc, prometheus.GaugeValue, float64(registryStats.ActiveTasks))
	metrics <- prometheus.MustNewConstMetric(taskOutcomeDesc, prometheus.CounterValue, float64(registryStats.TasksCompleted), "completed")
	metrics <- prometheus.MustNewConstMetric(taskOutcomeDesc, prometheus.CounterValue, float64(registryStats.TasksFailed), "failed")
	metrics <- prometheus.MustNewConstMetric(taskOutcomeDesc, prometheus.CounterValue, float64(registryStats.TasksCancelled), "cancelled")
	metrics <- prometheus.MustNewConstMetric(taskReassignedDesc, prometheus.CounterValue, float64(registryStats.TasksReassigned))

	balancerStats := c.loadBalancer.GetStats()
	for strategy, count := range balancerStats.SelectionsByStrategy {
		metrics <- prometheus.MustNewConstMetric(selectionDesc, prometheus.CounterValue, float64(count), string(strategy))
	}
	metrics <- prometheus.MustNewConstMetric(strategySwitchDesc, prometheus.CounterValue, float64(balancerStats.StrategySwitches))

	recoveryStats := c.recoveryEngine.GetStats()
	for kind, count := range recoveryStats.FailuresByKind {
		metrics <- prometheus.MustNewConstMetric(failureDesc, prometheus.CounterValue, float64(count), string(kind))
	}
	metrics <- prometheus.MustNewConstMetric(recoveryOutcomeDesc, prometheus.CounterValue, float64(recoveryStats.RecoveriesResolved), "resolved")
	metrics <- prometheus.MustNewConstMetric(recoveryOutcomeDesc, prometheus.CounterValue, float64(recoveryStats.RecoveriesExhausted), "exhausted")
	metrics <- prometheus.MustNewConstMetric(activeRecoveryDesc, prometheus.GaugeValue, float64(recoveryStats.ActiveRecoveries))
	metrics <- prometheus.MustNewConstMetric(snapshotCountDesc, prometheus.GaugeValue, float64(recoveryStats.SnapshotCount))

	orchestratorStats := c.sessionOrchestrator.GetStats()
	metrics <- prometheus.MustNewConstMetric(sessionActiveDesc, prometheus.GaugeValue, float64(orchestratorStats.ActiveSessions))
	metrics <- prometheus.MustNewConstMetric(sessionOutcomeDesc, prometheus.CounterValue, float64(orchestratorStats.SessionsCompleted), "completed")
	metrics <- prometheus.MustNewConstMetric(sessionOutcomeDesc, prometheus.CounterValue, float64(orchestratorStats.SessionsFailed), "failed")
	metrics <- prometheus.MustNewConstMetric(sessionOutcomeDesc, prometheus.CounterValue, float64(orchestratorStats.SessionsCancelled), "cancelled")
}
