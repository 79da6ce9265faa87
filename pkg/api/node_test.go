package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeDeepCopy(t *testing.T) {
	node := &Node{
		Id:           "node-1",
		Role:         NodeRoleWorker,
		Status:       NodeReady,
		Capabilities: NodeCapabilities{Algorithms: []string{"dqn"}},
		Metadata:     map[string]string{"zone": "a"},
	}

	copied := node.DeepCopy()
	copied.Status = NodeBusy
	copied.Capabilities.Algorithms[0] = "ppo"
	copied.Metadata["zone"] = "b"

	assert.Equal(t, NodeReady, node.Status)
	assert.Equal(t, "dqn", node.Capabilities.Algorithms[0])
	assert.Equal(t, "a", node.Metadata["zone"])
}

func TestTaskDeepCopy(t *testing.T) {
	task := &Task{
		Id:         "task-1",
		Status:     TaskAssigned,
		Parameters: map[string]interface{}{"episodes": 100},
	}

	copied := task.DeepCopy()
	copied.Status = TaskCompleted
	copied.Parameters["episodes"] = 200

	assert.Equal(t, TaskAssigned, task.Status)
	assert.Equal(t, 100, task.Parameters["episodes"])
}

func TestCompositeLoad(t *testing.T) {
	metrics := LoadMetrics{
		CpuUsage:    1.0,
		MemoryUsage: 1.0,
		GpuUsage:    1.0,
		NetworkIO:   1.0,
		DiskIO:      1.0,
	}
	assert.InDelta(t, 1.0, metrics.CompositeLoad(), 1e-9)

	metrics = LoadMetrics{CpuUsage: 0.5, GpuUsage: 0.5}
	assert.InDelta(t, 0.3, metrics.CompositeLoad(), 1e-9)
}

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.False(t, TaskAssigned.IsTerminal())
	assert.False(t, TaskRunning.IsTerminal())
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskReassigned.IsTerminal())
}
