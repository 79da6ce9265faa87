// Package recovery watches a periodically refreshed copy of the fleet's
// node and task state, raises failure events when it sees trouble, and works
// recovery plans against the registry until each event is resolved or its
// attempt budget is spent. It also maintains checksummed snapshots of the
// observed state for disaster recovery.
//
// The engine deliberately never reads registry internals: detection runs
// against its own copy so failure analysis cannot race live mutation.
package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// Actions is the slice of registry behaviour recovery plans need. The
// registry implements it.
type Actions interface {
	NodeStatus(nodeId string) (api.NodeStatus, error)
	TaskStatus(taskId string) (api.TaskStatus, error)
	ReassignActiveTasks(taskIds []string) (reassigned int, failed int)
	RetireNode(nodeId string) error
	RestartTask(taskId string) error
	RebalanceNode(nodeId string) error
}

type Engine struct {
	mu sync.Mutex

	actions    Actions
	repository SnapshotRepository
	clock      util.Clock

	autoRecovery     bool
	heartbeatTimeout time.Duration
	taskStuckTimeout time.Duration
	maxAttempts      int
	maxSnapshots     int

	// Monitored copies, replaced wholesale by UpdateSystemState.
	nodes map[string]*api.Node
	tasks map[string]*api.Task

	events map[string]*FailureEvent
	plans  map[string]*RecoveryPlan
	// openEvents maps a (kind, subject) dedup key to the event currently
	// covering it. Resolved events free their key; exhausted ones keep it so
	// a permanently failed fault is not raised over and over.
	openEvents map[string]string
	executing  map[string]bool

	snapshots []*SystemSnapshot

	failuresDetected    int
	failuresByKind      map[FailureKind]int
	recoveriesResolved  int
	recoveriesExhausted int
	avgRecoverySeconds  float64
	lastFailureTime     time.Time
}

func NewEngine(
	actions Actions,
	repository SnapshotRepository,
	config configuration.RecoveryConfig,
	heartbeatTimeout time.Duration,
	clock util.Clock,
) *Engine {
	return &Engine{
		actions:          actions,
		repository:       repository,
		clock:            clock,
		autoRecovery:     config.AutoRecovery,
		heartbeatTimeout: heartbeatTimeout,
		taskStuckTimeout: config.TaskStuckTimeout,
		maxAttempts:      config.MaxRecoveryAttempts,
		maxSnapshots:     config.MaxSnapshots,
		nodes:            map[string]*api.Node{},
		tasks:            map[string]*api.Task{},
		events:           map[string]*FailureEvent{},
		plans:            map[string]*RecoveryPlan{},
		openEvents:       map[string]string{},
		executing:        map[string]bool{},
		failuresByKind:   map[FailureKind]int{},
	}
}

// UpdateSystemState replaces the engine's monitored copy of the fleet.
// Callers must hand over copies they will not mutate afterwards.
func (e *Engine) UpdateSystemState(nodes map[string]*api.Node, tasks map[string]*api.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes = nodes
	e.tasks = tasks
}

// DetectFailures scans the monitored state and raises failure events for
// silent nodes, crashed nodes, overloaded nodes, stuck tasks and failed
// tasks. At most one open event exists per (kind, subject).
func (e *Engine) DetectFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	nodeIds := maps.Keys(e.nodes)
	slices.Sort(nodeIds)
	for _, nodeId := range nodeIds {
		node := e.nodes[nodeId]
		if node.Status != api.NodeDisconnected && now.Sub(node.LastHeartbeat) > e.heartbeatTimeout {
			e.raise(KindNodeTimeout, SeverityHigh, StrategyImmediate, nodeId, e.activeTasksOn(nodeId),
				fmt.Sprintf("node %s silent for %v", nodeId, now.Sub(node.LastHeartbeat)))
		}
		if node.Status == api.NodeError {
			e.raise(KindNodeCrash, SeverityHigh, StrategyGraceful, nodeId, e.activeTasksOn(nodeId),
				fmt.Sprintf("node %s reported status error", nodeId))
		}
		if node.CurrentLoad > 1.0 {
			e.raise(KindResourceExhaustion, SeverityMedium, StrategyDelayed, nodeId, e.activeTasksOn(nodeId),
				fmt.Sprintf("node %s overloaded at %.2f", nodeId, node.CurrentLoad))
		}
	}

	taskIds := maps.Keys(e.tasks)
	slices.Sort(taskIds)
	for _, taskId := range taskIds {
		task := e.tasks[taskId]
		if task.Status == api.TaskRunning && now.Sub(task.CreatedAt) > e.taskStuckTimeout {
			e.raiseForTask(KindTaskFailure, SeverityMedium, task,
				fmt.Sprintf("task %s running for %v without finishing", taskId, now.Sub(task.CreatedAt)))
		}
		if task.Status == api.TaskFailed {
			e.raiseForTask(KindTaskFailure, SeverityLow, task,
				fmt.Sprintf("task %s reported failure", taskId))
		}
	}
}

// activeTasksOn lists the active tasks bound to a node, ordered for
// deterministic plans. Callers must hold e.mu.
func (e *Engine) activeTasksOn(nodeId string) []string {
	var taskIds []string
	for id, task := range e.tasks {
		if task.AssignedNode == nodeId && task.IsActive() {
			taskIds = append(taskIds, id)
		}
	}
	slices.Sort(taskIds)
	return taskIds
}

// raise opens a failure event keyed on (kind, nodeId) unless one is already
// open, and builds its recovery plan when auto-recovery is on. Callers must
// hold e.mu.
func (e *Engine) raise(kind FailureKind, severity Severity, strategy RecoveryStrategy, nodeId string, taskIds []string, description string) {
	e.raiseKeyed(kind, severity, strategy, nodeId, taskIds, string(kind)+"/"+nodeId, description)
}

func (e *Engine) raiseForTask(kind FailureKind, severity Severity, task *api.Task, description string) {
	e.raiseKeyed(kind, severity, StrategyImmediate, task.AssignedNode, []string{task.Id}, string(kind)+"/"+task.Id, description)
}

func (e *Engine) raiseKeyed(kind FailureKind, severity Severity, strategy RecoveryStrategy, nodeId string, taskIds []string, key string, description string) {
	if _, open := e.openEvents[key]; open {
		return
	}

	event := newFailureEvent(kind, severity, strategy, nodeId, taskIds, e.clock.Now(), description)
	event.dedupKey = key
	e.events[event.Id] = event
	e.openEvents[key] = event.Id
	e.failuresDetected++
	e.failuresByKind[kind]++
	e.lastFailureTime = event.DetectedAt
	log.Warnf("Detected %s failure %s (%s): %s", kind, event.Id, severity, description)

	if e.autoRecovery {
		plan := newRecoveryPlan(event, event.DetectedAt)
		e.plans[plan.Id] = plan
	}
}

// ExecuteRecoveries drains the pending plan queue in priority order. A plan
// whose event already burned maxAttempts is dropped as permanently failed;
// the rest run their steps strictly in order, aborting on the first step
// error and retrying on a later pass. A plan never runs twice at once.
func (e *Engine) ExecuteRecoveries() {
	type job struct {
		plan  *RecoveryPlan
		event *FailureEvent
	}

	e.mu.Lock()
	pending := maps.Values(e.plans)
	slices.SortFunc(pending, func(a, b *RecoveryPlan) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var jobs []job
	for _, plan := range pending {
		if e.executing[plan.Id] {
			continue
		}
		event, ok := e.events[plan.FailureId]
		if !ok || event.Resolved {
			delete(e.plans, plan.Id)
			continue
		}
		if event.Attempts >= e.maxAttempts {
			delete(e.plans, plan.Id)
			e.recoveriesExhausted++
			err := &flotillaerrors.ErrRecoveryExhausted{FailureId: event.Id, Attempts: event.Attempts}
			log.WithError(err).Errorf("Giving up on %s failure %s after %d attempts", event.Kind, event.Id, event.Attempts)
			continue
		}
		e.executing[plan.Id] = true
		jobs = append(jobs, job{plan: plan, event: event})
	}
	e.mu.Unlock()

	for _, j := range jobs {
		e.executePlan(j.plan, j.event)
	}
}

func (e *Engine) executePlan(plan *RecoveryPlan, event *FailureEvent) {
	log.Infof("Executing recovery plan %s for %s failure %s (priority %d)",
		plan.Id, event.Kind, event.Id, plan.Priority)

	for _, step := range plan.Steps {
		if err := e.runStep(step, event); err != nil {
			e.mu.Lock()
			event.Attempts++
			delete(e.executing, plan.Id)
			e.mu.Unlock()
			log.WithError(err).Warnf("Recovery plan %s aborted at step %s (attempt %d of %d)",
				plan.Id, step, event.Attempts, e.maxAttempts)
			return
		}
	}

	e.mu.Lock()
	event.Resolved = true
	event.ResolvedAt = e.clock.Now()
	duration := event.ResolvedAt.Sub(event.DetectedAt).Seconds()
	e.recoveriesResolved++
	e.avgRecoverySeconds += (duration - e.avgRecoverySeconds) / float64(e.recoveriesResolved)
	delete(e.plans, plan.Id)
	delete(e.openEvents, event.dedupKey)
	delete(e.executing, plan.Id)
	e.mu.Unlock()

	log.Infof("Resolved %s failure %s in %.1fs", event.Kind, event.Id, duration)
}

func (e *Engine) runStep(step string, event *FailureEvent) error {
	switch step {
	case StepVerifyNodeStatus:
		if event.NodeId == "" {
			return nil
		}
		status, err := e.actions.NodeStatus(event.NodeId)
		if err != nil {
			return err
		}
		log.Infof("Node %s is %s", event.NodeId, status)
		return nil

	case StepReassignTasks:
		reassigned, failed := e.actions.ReassignActiveTasks(event.TaskIds)
		log.Infof("Reassigned %d of %d tasks off node %s (%d failed)",
			reassigned, len(event.TaskIds), event.NodeId, failed)
		return nil

	case StepRetireNode:
		if event.NodeId == "" {
			return nil
		}
		return e.actions.RetireNode(event.NodeId)

	case StepAnalyzeFailureCause:
		log.Infof("Analyzing failure %s: %s", event.Id, event.Description)
		return nil

	case StepRestartTask:
		for _, taskId := range event.TaskIds {
			if err := e.actions.RestartTask(taskId); err != nil {
				return err
			}
		}
		return nil

	case StepMonitorProgress:
		for _, taskId := range event.TaskIds {
			status, err := e.actions.TaskStatus(taskId)
			if err != nil {
				return err
			}
			log.Infof("Task %s is %s after restart", taskId, status)
		}
		return nil

	case StepRedistributeLoad:
		if event.NodeId == "" {
			return nil
		}
		return e.actions.RebalanceNode(event.NodeId)

	case StepRequestScaling:
		log.Warnf("Fleet capacity exhausted around node %s; additional workers needed", event.NodeId)
		return nil

	case StepMonitorUsage:
		e.mu.Lock()
		node, ok := e.nodes[event.NodeId]
		e.mu.Unlock()
		if ok {
			log.Infof("Node %s load is %.2f after redistribution", event.NodeId, node.CurrentLoad)
		}
		return nil

	default:
		return errors.Errorf("unknown recovery step %q", step)
	}
}

type Stats struct {
	FailuresDetected       int
	FailuresByKind         map[FailureKind]int
	RecoveriesResolved     int
	RecoveriesExhausted    int
	ActiveRecoveries       int
	PendingPlans           int
	SnapshotCount          int
	AverageRecoverySeconds float64
	LastFailureTime        time.Time
	MonitoredNodes         int
	MonitoredTasks         int
}

func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		FailuresDetected:       e.failuresDetected,
		FailuresByKind:         maps.Clone(e.failuresByKind),
		RecoveriesResolved:     e.recoveriesResolved,
		RecoveriesExhausted:    e.recoveriesExhausted,
		ActiveRecoveries:       len(e.executing),
		PendingPlans:           len(e.plans),
		SnapshotCount:          len(e.snapshots),
		AverageRecoverySeconds: e.avgRecoverySeconds,
		LastFailureTime:        e.lastFailureTime,
		MonitoredNodes:         len(e.nodes),
		MonitoredTasks:         len(e.tasks),
	}
}

// Stop takes a last snapshot if the engine ever held state, so an operator
// can inspect or restore the fleet's final shape after a shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	stateHeld := len(e.nodes) > 0 || len(e.tasks) > 0
	e.mu.Unlock()

	if !stateHeld {
		return
	}
	if _, err := e.CaptureSnapshot(); err != nil {
		log.WithError(err).Error("Failed to capture final snapshot on shutdown")
	}
}
