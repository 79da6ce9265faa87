package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/balancer"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/registry"
	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestHandle_RegisterAndHeartbeat(t *testing.T) {
	handler, _, clock := newTestHandler(t)

	response := handler.Handle(api.NewRegisterNodeRequest("node-a", api.NodeRoleWorker, "10.0.0.1", 7070, dqnCapabilities()))
	register, ok := response.(*api.RegisterResponse)
	require.True(t, ok)
	assert.Equal(t, "registered", register.Status)
	assert.Equal(t, "node-a", register.NodeId)

	response = handler.Handle(api.NewHeartbeatRequest("node-a", 0.4, api.NodeReady))
	heartbeat, ok := response.(*api.HeartbeatResponse)
	require.True(t, ok)
	assert.Equal(t, "acknowledged", heartbeat.Status)
	assert.Equal(t, clock.Now(), heartbeat.Timestamp)

	response = handler.Handle(api.NewHeartbeatRequest("node-ghost", 0.4, api.NodeReady))
	failure, ok := response.(*api.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, failure.Message, "node-ghost")
}

func TestHandle_AssignsAndRecordsTask(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	handler.Handle(api.NewRegisterNodeRequest("node-a", api.NodeRoleWorker, "10.0.0.1", 7070, dqnCapabilities()))

	response := handler.Handle(api.NewAssignTaskRequest("", "dqn", map[string]interface{}{"learning_rate": 0.001}))
	assigned, ok := response.(*api.AssignTaskResponse)
	require.True(t, ok)
	assert.Equal(t, "assigned", assigned.Status)
	assert.Equal(t, "node-a", assigned.AssignedNode)
	assert.Contains(t, assigned.TaskId, "task-")

	response = handler.Handle(api.NewTaskResultRequest(assigned.TaskId, api.TaskCompleted, 12.5))
	recorded, ok := response.(*api.TaskResultResponse)
	require.True(t, ok)
	assert.Equal(t, "recorded", recorded.Status)

	// No eligible node is left for an unsupported algorithm.
	response = handler.Handle(api.NewAssignTaskRequest("", "sac", nil))
	failure, ok := response.(*api.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, failure.Message, "sac")
}

func TestHandle_ListsNodesAndTasks(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	handler.Handle(api.NewRegisterNodeRequest("node-a", api.NodeRoleWorker, "10.0.0.1", 7070, dqnCapabilities()))
	handler.Handle(api.NewRegisterNodeRequest("node-b", api.NodeRoleWorker, "10.0.0.2", 7070, dqnCapabilities()))
	handler.Handle(api.NewAssignTaskRequest("task-1", "dqn", nil))

	response := handler.Handle(api.NewGetNodesRequest())
	nodes, ok := response.(*api.NodesResponse)
	require.True(t, ok)
	assert.Equal(t, 2, nodes.TotalNodes)
	require.Len(t, nodes.Nodes, 2)
	assert.Equal(t, "node-a", nodes.Nodes[0].Id)

	response = handler.Handle(api.NewGetTasksRequest())
	tasks, ok := response.(*api.TasksResponse)
	require.True(t, ok)
	assert.Equal(t, 1, tasks.TotalTasks)
	assert.Equal(t, "task-1", tasks.Tasks[0].Id)
}

func newTestHandler(t *testing.T) (*MessageHandler, *registry.NodeRegistry, *util.DummyClock) {
	t.Helper()
	clock := &util.DummyClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	lb := balancer.NewLoadBalancer(balancer.StrategyRoundRobin, time.Hour, clock)
	r := registry.NewNodeRegistry(lb, 90*time.Second, clock)
	return NewMessageHandler(r, clock), r, clock
}

func dqnCapabilities() api.NodeCapabilities {
	return api.NodeCapabilities{Algorithms: []string{"dqn"}, CpuCores: 8, GpuCount: 1, MemoryGb: 16}
}
