// Package registry owns the authoritative node and task state of the
// coordinator. It accepts registrations, heartbeats and task results from
// workers, dispatches work selected by the load balancer, and reassigns
// work away from nodes that stop heartbeating.
//
// All state lives behind one mutex: every read-modify-write that spans
// nodes and tasks (assignment, release, reassignment) happens in a single
// critical section so that "busy node holds exactly one active task" can
// never be observed broken.
package registry

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/balancer"
	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// NodeRegistry tracks every worker that ever registered and every task ever
// dispatched. Nodes are only ever transitioned between statuses, never
// deleted; tasks are retained after reaching a terminal status.
type NodeRegistry struct {
	mu sync.Mutex

	nodes map[string]*api.Node
	tasks map[string]*api.Task
	// successors maps a reassigned task to the task created to replace it,
	// letting session monitors follow their work across reassignment.
	successors map[string]string

	loadBalancer     *balancer.LoadBalancer
	clock            util.Clock
	heartbeatTimeout time.Duration

	tasksCompleted  int
	tasksFailed     int
	tasksCancelled  int
	tasksReassigned int
	startTime       time.Time
}

func NewNodeRegistry(loadBalancer *balancer.LoadBalancer, heartbeatTimeout time.Duration, clock util.Clock) *NodeRegistry {
	return &NodeRegistry{
		nodes:            map[string]*api.Node{},
		tasks:            map[string]*api.Task{},
		successors:       map[string]string{},
		loadBalancer:     loadBalancer,
		clock:            clock,
		heartbeatTimeout: heartbeatTimeout,
		startTime:        clock.Now(),
	}
}

// RegisterNode adds a worker to the registry with status ready and returns
// its id, generating one if the descriptor carries none. Registering an
// existing id overwrites the previous descriptor; this is how a restarted
// worker reclaims its identity.
func (r *NodeRegistry) RegisterNode(request *api.RegisterNodeRequest) (string, error) {
	if err := validateDescriptor(request); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nodeId := request.NodeId
	if nodeId == "" {
		nodeId = "node-" + util.NewULID()
	}
	role := request.NodeType
	if role == "" {
		role = api.NodeRoleWorker
	}

	r.nodes[nodeId] = &api.Node{
		Id:            nodeId,
		Role:          role,
		Host:          request.Host,
		Port:          request.Port,
		Capabilities:  request.Capabilities,
		Status:        api.NodeReady,
		LastHeartbeat: r.clock.Now(),
	}
	log.Infof("Registered node %s (%s) at %s:%d supporting %v",
		nodeId, role, request.Host, request.Port, request.Capabilities.Algorithms)
	return nodeId, nil
}

func validateDescriptor(request *api.RegisterNodeRequest) error {
	if request.Host == "" {
		return errors.New("node descriptor is missing a host")
	}
	if request.Port <= 0 || request.Port > 65535 {
		return errors.Errorf("node descriptor has invalid port %d", request.Port)
	}
	switch request.NodeType {
	case "", api.NodeRoleWorker, api.NodeRoleCoordinator, api.NodeRoleStorage, api.NodeRoleEvaluator:
	default:
		return errors.Errorf("unknown node role %q", request.NodeType)
	}
	return nil
}

// Heartbeat records a liveness signal from a node, resetting its timeout
// clock and updating its load and status. A busy heartbeat from a node
// promotes its assigned task to running: workers signal task activity only
// through heartbeats and task results.
func (r *NodeRegistry) Heartbeat(nodeId string, load float64, status api.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeId]
	if !ok {
		return &flotillaerrors.ErrNodeNotFound{NodeId: nodeId}
	}

	node.LastHeartbeat = r.clock.Now()
	node.CurrentLoad = load
	if status != "" {
		node.Status = status
	}

	if node.Status == api.NodeBusy {
		for _, task := range r.tasks {
			if task.AssignedNode == nodeId && task.Status == api.TaskAssigned {
				task.Status = api.TaskRunning
			}
		}
	}

	r.loadBalancer.RecordLoadSample(nodeId, load)
	return nil
}

// AssignTask dispatches a unit of work with no owning session, e.g. one
// submitted directly over the wire. The node is chosen by the load balancer
// among ready, unclaimed workers supporting the algorithm.
func (r *NodeRegistry) AssignTask(taskId string, algorithm string, parameters map[string]interface{}) (*api.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignTask(taskId, "", "", algorithm, parameters, 0, nil)
}

// ReportTaskResult terminalizes a task and releases its node back to ready
// with load reset to zero. status must be completed or failed.
func (r *NodeRegistry) ReportTaskResult(taskId string, status api.TaskStatus, durationSeconds float64) error {
	if status != api.TaskCompleted && status != api.TaskFailed {
		return errors.Errorf("task result status must be completed or failed, got %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskId]
	if !ok {
		return &flotillaerrors.ErrTaskNotFound{TaskId: taskId}
	}
	if task.Status.IsTerminal() {
		return errors.Errorf("task %s already finished with status %q", taskId, task.Status)
	}

	task.Status = status
	if status == api.TaskCompleted {
		r.tasksCompleted++
	} else {
		r.tasksFailed++
	}

	r.releaseNode(task.AssignedNode)
	r.loadBalancer.RecordTaskCompletion(task.AssignedNode, durationSeconds, status == api.TaskCompleted)
	return nil
}

// releaseNode returns a node to the ready pool after its task finished.
// Disconnected and errored nodes stay as they are; only heartbeats and
// recovery plans move those.
func (r *NodeRegistry) releaseNode(nodeId string) {
	node, ok := r.nodes[nodeId]
	if !ok {
		return
	}
	if node.Status == api.NodeBusy {
		node.Status = api.NodeReady
		node.CurrentLoad = 0
	}
}

// Nodes returns a deep-copied view of all registered nodes, ordered by id.
func (r *NodeRegistry) Nodes() []*api.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make([]*api.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node.DeepCopy())
	}
	slices.SortFunc(nodes, func(a, b *api.Node) bool { return a.Id < b.Id })
	return nodes
}

// Tasks returns a deep-copied view of all known tasks, ordered by id.
func (r *NodeRegistry) Tasks() []*api.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]*api.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task.DeepCopy())
	}
	slices.SortFunc(tasks, func(a, b *api.Task) bool { return a.Id < b.Id })
	return tasks
}

// NodeMap returns a deep copy keyed by id, in the shape the fault recovery
// engine mirrors.
func (r *NodeRegistry) NodeMap() map[string]*api.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make(map[string]*api.Node, len(r.nodes))
	for id, node := range r.nodes {
		nodes[id] = node.DeepCopy()
	}
	return nodes
}

func (r *NodeRegistry) TaskMap() map[string]*api.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make(map[string]*api.Task, len(r.tasks))
	for id, task := range r.tasks {
		tasks[id] = task.DeepCopy()
	}
	return tasks
}

func (r *NodeRegistry) TaskById(taskId string) (*api.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskId]
	if !ok {
		return nil, &flotillaerrors.ErrTaskNotFound{TaskId: taskId}
	}
	return task.DeepCopy(), nil
}

func (r *NodeRegistry) NodeById(nodeId string) (*api.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeId]
	if !ok {
		return nil, &flotillaerrors.ErrNodeNotFound{NodeId: nodeId}
	}
	return node.DeepCopy(), nil
}

// SuccessorOf resolves the task created to replace taskId when it was
// reassigned off a dead node.
func (r *NodeRegistry) SuccessorOf(taskId string) (*api.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	successorId, ok := r.successors[taskId]
	if !ok {
		return nil, false
	}
	successor, ok := r.tasks[successorId]
	if !ok {
		return nil, false
	}
	return successor.DeepCopy(), true
}

// AllocateNodes claims between minNodes and maxNodes ready workers supporting
// algorithm exclusively for a session. No two sessions ever share a node: a
// claimed node is invisible to other sessions and to sessionless assignment
// until released. Fails with ErrInsufficientNodes, claiming nothing, when
// fewer than minNodes are eligible.
func (r *NodeRegistry) AllocateNodes(sessionId string, algorithm string, minNodes int, maxNodes int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.eligibleNodes(algorithm, "", nil)
	if len(candidates) < minNodes {
		return nil, &flotillaerrors.ErrInsufficientNodes{Required: minNodes, Available: len(candidates)}
	}

	want := maxNodes
	if len(candidates) < want {
		want = len(candidates)
	}

	claimed := make([]string, 0, want)
	for len(claimed) < want {
		node, err := r.loadBalancer.Select(candidates, balancer.TaskHint{Algorithm: algorithm})
		if err != nil {
			break
		}
		r.nodes[node.Id].SessionId = sessionId
		claimed = append(claimed, node.Id)

		remaining := make([]*api.Node, 0, len(candidates)-1)
		for _, candidate := range candidates {
			if candidate.Id != node.Id {
				remaining = append(remaining, candidate)
			}
		}
		candidates = remaining
	}

	log.Infof("Allocated %d nodes to session %s: %v", len(claimed), sessionId, claimed)
	return claimed, nil
}

// ReleaseNodes drops a session's claims, returning busy nodes to ready.
func (r *NodeRegistry) ReleaseNodes(sessionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.SessionId != sessionId {
			continue
		}
		node.SessionId = ""
		if node.Status == api.NodeBusy {
			node.Status = api.NodeReady
			node.CurrentLoad = 0
		}
	}
}

// DispatchTask stores a session task built by the orchestrator and marks its
// pre-selected node busy. The node must hold the task's session claim and be
// ready to accept work.
func (r *NodeRegistry) DispatchTask(task *api.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[task.AssignedNode]
	if !ok {
		return &flotillaerrors.ErrNodeNotFound{NodeId: task.AssignedNode}
	}
	if node.SessionId != task.SessionId {
		return errors.Errorf("node %s is not claimed by session %s", node.Id, task.SessionId)
	}
	if node.Status != api.NodeReady {
		return errors.Errorf("node %s cannot accept task %s in status %q", node.Id, task.Id, node.Status)
	}

	stored := task.DeepCopy()
	stored.Status = api.TaskAssigned
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.clock.Now()
	}
	r.tasks[stored.Id] = stored
	node.Status = api.NodeBusy
	return nil
}

// CancelTask terminalizes a task that should not run to completion, e.g.
// during session teardown. The node is released if still bound.
func (r *NodeRegistry) CancelTask(taskId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskId]
	if !ok {
		return &flotillaerrors.ErrTaskNotFound{TaskId: taskId}
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.Status = api.TaskFailed
	r.tasksCancelled++
	r.releaseNode(task.AssignedNode)
	return nil
}

// assignTask creates a task and places it on a node chosen by the load
// balancer. Candidates are ready workers supporting the algorithm; a session
// task only considers nodes claimed by its session, a sessionless task only
// unclaimed ones. Callers must hold r.mu.
func (r *NodeRegistry) assignTask(
	taskId string,
	sessionId string,
	role api.TaskRole,
	algorithm string,
	parameters map[string]interface{},
	timeout time.Duration,
	exclude map[string]bool,
) (*api.Task, error) {
	candidates := r.eligibleNodes(algorithm, sessionId, exclude)
	node, err := r.loadBalancer.Select(candidates, balancer.TaskHint{Algorithm: algorithm, Parameters: parameters})
	if err != nil {
		return nil, err
	}

	if taskId == "" {
		taskId = "task-" + util.NewULID()
	}
	task := &api.Task{
		Id:           taskId,
		SessionId:    sessionId,
		Role:         role,
		Algorithm:    algorithm,
		Parameters:   parameters,
		AssignedNode: node.Id,
		Status:       api.TaskAssigned,
		CreatedAt:    r.clock.Now(),
		Timeout:      timeout,
	}
	r.tasks[taskId] = task
	r.nodes[node.Id].Status = api.NodeBusy
	return task.DeepCopy(), nil
}

// eligibleNodes filters to ready workers supporting algorithm, honouring
// session claims. Results keep a deterministic id order.
func (r *NodeRegistry) eligibleNodes(algorithm string, sessionId string, exclude map[string]bool) []*api.Node {
	var eligible []*api.Node
	for _, node := range r.nodes {
		if node.Status != api.NodeReady || node.Role != api.NodeRoleWorker {
			continue
		}
		if node.SessionId != sessionId {
			continue
		}
		if exclude[node.Id] {
			continue
		}
		if algorithm != "" && !node.SupportsAlgorithm(algorithm) {
			continue
		}
		eligible = append(eligible, node)
	}
	slices.SortFunc(eligible, func(a, b *api.Node) bool { return a.Id < b.Id })
	return eligible
}

// reassignTask moves an active task off its current node. On success the
// original task becomes reassigned and a successor task with the same
// session, role and parameters is dispatched elsewhere; with no eligible
// node left the task becomes failed. Callers must hold r.mu.
func (r *NodeRegistry) reassignTask(task *api.Task) {
	exclude := map[string]bool{}
	if task.AssignedNode != "" {
		exclude[task.AssignedNode] = true
	}

	successor, err := r.assignTask("", task.SessionId, task.Role, task.Algorithm, task.Parameters, task.Timeout, exclude)
	if err != nil {
		task.Status = api.TaskFailed
		r.tasksFailed++
		log.WithError(err).Warnf("No eligible node to reassign task %s; marking it failed", task.Id)
		return
	}

	task.Status = api.TaskReassigned
	r.successors[task.Id] = successor.Id
	r.tasksReassigned++
	log.Infof("Reassigned task %s from node %s to node %s as task %s",
		task.Id, task.AssignedNode, successor.AssignedNode, successor.Id)
}

// ReassignActiveTasks reroutes the given tasks away from their current
// nodes, as a recovery plan step does after a node failure. Terminal and
// unknown tasks are skipped; the returned counts cover only tasks acted on.
func (r *NodeRegistry) ReassignActiveTasks(taskIds []string) (reassigned int, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, taskId := range taskIds {
		task, ok := r.tasks[taskId]
		if !ok || task.Status.IsTerminal() {
			continue
		}
		r.reassignTask(task)
		if task.Status == api.TaskReassigned {
			reassigned++
		} else {
			failed++
		}
	}
	return reassigned, failed
}

// RetireNode transitions a failed node to disconnected and drops its session
// claim. Node records are never deleted, so a retired node that comes back
// re-registers under its old id.
func (r *NodeRegistry) RetireNode(nodeId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeId]
	if !ok {
		return &flotillaerrors.ErrNodeNotFound{NodeId: nodeId}
	}
	node.Status = api.NodeDisconnected
	node.SessionId = ""
	node.CurrentLoad = 0
	return nil
}

// RestartTask puts a failed task back on an eligible node as a recovery
// action. The task returns to assigned on the chosen node.
func (r *NodeRegistry) RestartTask(taskId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskId]
	if !ok {
		return &flotillaerrors.ErrTaskNotFound{TaskId: taskId}
	}
	if task.Status == api.TaskCompleted {
		return errors.Errorf("task %s already completed", taskId)
	}

	candidates := r.eligibleNodes(task.Algorithm, task.SessionId, nil)
	node, err := r.loadBalancer.Select(candidates, balancer.TaskHint{Algorithm: task.Algorithm, Parameters: task.Parameters})
	if err != nil {
		return err
	}

	previousNode := task.AssignedNode
	task.AssignedNode = node.Id
	task.Status = api.TaskAssigned
	node.Status = api.NodeBusy
	if previousNode != "" && previousNode != node.Id && !r.hasActiveTask(previousNode) {
		r.releaseNode(previousNode)
	}
	log.Infof("Restarted task %s on node %s", taskId, node.Id)
	return nil
}

// NodeStatus reports a node's current status, for recovery verification.
func (r *NodeRegistry) NodeStatus(nodeId string) (api.NodeStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeId]
	if !ok {
		return "", &flotillaerrors.ErrNodeNotFound{NodeId: nodeId}
	}
	return node.Status, nil
}

// TaskStatus reports a task's current status, for recovery monitoring.
func (r *NodeRegistry) TaskStatus(taskId string) (api.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskId]
	if !ok {
		return "", &flotillaerrors.ErrTaskNotFound{TaskId: taskId}
	}
	return task.Status, nil
}

// RebalanceNode moves active work off an overloaded node where another
// eligible node exists. Best effort: tasks stay in place when the fleet has
// no capacity to take them.
func (r *NodeRegistry) RebalanceNode(nodeId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeId]
	if !ok {
		return &flotillaerrors.ErrNodeNotFound{NodeId: nodeId}
	}

	var movable []*api.Task
	for _, task := range r.tasks {
		if task.AssignedNode != nodeId || !task.IsActive() {
			continue
		}
		if len(r.eligibleNodes(task.Algorithm, task.SessionId, map[string]bool{nodeId: true})) == 0 {
			continue
		}
		movable = append(movable, task)
	}
	for _, task := range movable {
		r.reassignTask(task)
	}
	if node.Status == api.NodeBusy && !r.hasActiveTask(nodeId) {
		node.Status = api.NodeReady
	}
	return nil
}

func (r *NodeRegistry) hasActiveTask(nodeId string) bool {
	for _, task := range r.tasks {
		if task.AssignedNode == nodeId && task.IsActive() {
			return true
		}
	}
	return false
}

type Stats struct {
	NodesByStatus   map[api.NodeStatus]int
	TotalNodes      int
	TotalTasks      int
	ActiveTasks     int
	TasksCompleted  int
	TasksFailed     int
	TasksCancelled  int
	TasksReassigned int
	UptimeSeconds   float64
}

func (r *NodeRegistry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		NodesByStatus:   map[api.NodeStatus]int{},
		TotalNodes:      len(r.nodes),
		TotalTasks:      len(r.tasks),
		TasksCompleted:  r.tasksCompleted,
		TasksFailed:     r.tasksFailed,
		TasksCancelled:  r.tasksCancelled,
		TasksReassigned: r.tasksReassigned,
		UptimeSeconds:   r.clock.Now().Sub(r.startTime).Seconds(),
	}
	for _, node := range r.nodes {
		stats.NodesByStatus[node.Status]++
	}
	for _, task := range r.tasks {
		if task.IsActive() {
			stats.ActiveTasks++
		}
	}
	return stats
}
