package recovery

import (
	"time"

	"github.com/google/uuid"
)

type FailureKind string

const (
	KindNodeTimeout        FailureKind = "node_timeout"
	KindNodeCrash          FailureKind = "node_crash"
	KindTaskFailure        FailureKind = "task_failure"
	KindNetworkPartition   FailureKind = "network_partition"
	KindResourceExhaustion FailureKind = "resource_exhaustion"
	KindCorruption         FailureKind = "corruption"
)

// Weight is the kind's contribution to recovery plan priority.
func (k FailureKind) Weight() int {
	switch k {
	case KindNodeTimeout:
		return 15
	case KindNodeCrash:
		return 20
	case KindTaskFailure:
		return 5
	case KindNetworkPartition:
		return 25
	case KindResourceExhaustion:
		return 10
	default:
		return 0
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 20
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 40
	default:
		return 0
	}
}

// RecoveryStrategy only affects how a plan is scheduled relative to others,
// never which steps run.
type RecoveryStrategy string

const (
	StrategyImmediate RecoveryStrategy = "immediate"
	StrategyGraceful  RecoveryStrategy = "graceful"
	StrategyDelayed   RecoveryStrategy = "delayed"
)

// FailureEvent records one detected fault. Events stay unresolved until a
// recovery plan runs all its steps, or permanently failed once the attempt
// cap is reached.
type FailureEvent struct {
	Id          string
	Kind        FailureKind
	NodeId      string
	TaskIds     []string
	DetectedAt  time.Time
	Severity    Severity
	Strategy    RecoveryStrategy
	Attempts    int
	Resolved    bool
	ResolvedAt  time.Time
	Description string

	// dedupKey is the (kind, subject) key this event holds open while
	// unresolved.
	dedupKey string
}

// RecoveryPlan is the ordered remedy for one failure event.
type RecoveryPlan struct {
	Id                string
	FailureId         string
	Steps             []string
	EstimatedDuration time.Duration
	Priority          int
	CreatedAt         time.Time
}

// Recovery step names. Steps run strictly in the order listed by the plan.
const (
	StepVerifyNodeStatus    = "verify_node_status"
	StepReassignTasks       = "reassign_affected_tasks"
	StepRetireNode          = "retire_node"
	StepAnalyzeFailureCause = "analyze_failure_cause"
	StepRestartTask         = "restart_task"
	StepMonitorProgress     = "monitor_progress"
	StepRedistributeLoad    = "redistribute_load"
	StepRequestScaling      = "request_scaling"
	StepMonitorUsage        = "monitor_usage"
)

const stepEstimate = 30 * time.Second

// stepsForKind maps a failure kind to its recovery playbook. Node crashes
// share the node-timeout playbook; kinds without a bespoke playbook are
// treated like a lost node.
func stepsForKind(kind FailureKind) []string {
	switch kind {
	case KindTaskFailure:
		return []string{StepAnalyzeFailureCause, StepRestartTask, StepMonitorProgress}
	case KindResourceExhaustion:
		return []string{StepRedistributeLoad, StepRequestScaling, StepMonitorUsage}
	default:
		return []string{StepVerifyNodeStatus, StepReassignTasks, StepRetireNode}
	}
}

func newFailureEvent(kind FailureKind, severity Severity, strategy RecoveryStrategy, nodeId string, taskIds []string, detectedAt time.Time, description string) *FailureEvent {
	return &FailureEvent{
		Id:          "failure-" + uuid.New().String(),
		Kind:        kind,
		NodeId:      nodeId,
		TaskIds:     taskIds,
		DetectedAt:  detectedAt,
		Severity:    severity,
		Strategy:    strategy,
		Description: description,
	}
}

func newRecoveryPlan(event *FailureEvent, createdAt time.Time) *RecoveryPlan {
	steps := stepsForKind(event.Kind)
	return &RecoveryPlan{
		Id:                "plan-" + uuid.New().String(),
		FailureId:         event.Id,
		Steps:             steps,
		EstimatedDuration: time.Duration(len(steps)) * stepEstimate,
		Priority:          planPriority(event),
		CreatedAt:         createdAt,
	}
}

// planPriority scores a plan for scheduling; higher runs first.
func planPriority(event *FailureEvent) int {
	return event.Severity.Weight() + 5*len(event.TaskIds) + event.Kind.Weight()
}
