package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestCheckNodeLiveness_DisconnectsSilentNodeAndReassigns(t *testing.T) {
	r, clock := newTestRegistry()
	registerWorker(t, r, "node-a", "dqn")
	registerWorker(t, r, "node-b", "dqn")

	task, err := r.AssignTask("", "dqn", nil)
	require.NoError(t, err)
	require.Equal(t, "node-a", task.AssignedNode)

	// node-b keeps heartbeating, node-a goes silent.
	clock.Advance(60 * time.Second)
	require.NoError(t, r.Heartbeat("node-b", 0.1, api.NodeReady))
	clock.Advance(40 * time.Second)

	r.CheckNodeLiveness()

	nodeA, err := r.NodeById("node-a")
	require.NoError(t, err)
	assert.Equal(t, api.NodeDisconnected, nodeA.Status)

	original, err := r.TaskById(task.Id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskReassigned, original.Status)

	successor, ok := r.SuccessorOf(task.Id)
	require.True(t, ok)
	assert.Equal(t, "node-b", successor.AssignedNode)
}

func TestCheckNodeLiveness_FreshNodesUntouched(t *testing.T) {
	r, clock := newTestRegistry()
	registerWorker(t, r, "node-a", "dqn")

	clock.Advance(89 * time.Second)
	r.CheckNodeLiveness()

	node, err := r.NodeById("node-a")
	require.NoError(t, err)
	assert.Equal(t, api.NodeReady, node.Status)
}

func TestCheckNodeLiveness_TaskFailsWithoutSpareCapacity(t *testing.T) {
	r, clock := newTestRegistry()
	registerWorker(t, r, "node-a", "dqn")

	task, err := r.AssignTask("", "dqn", nil)
	require.NoError(t, err)

	clock.Advance(91 * time.Second)
	r.CheckNodeLiveness()

	got, err := r.TaskById(task.Id)
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, got.Status)
	assert.Equal(t, 1, r.GetStats().TasksFailed)
}

func TestCheckNodeLiveness_SweepsNodeOnlyOnce(t *testing.T) {
	r, clock := newTestRegistry()
	registerWorker(t, r, "node-a", "dqn")

	_, err := r.AssignTask("", "dqn", nil)
	require.NoError(t, err)

	clock.Advance(91 * time.Second)
	r.CheckNodeLiveness()
	require.Equal(t, 1, r.GetStats().TasksFailed)

	clock.Advance(time.Hour)
	r.CheckNodeLiveness()
	assert.Equal(t, 1, r.GetStats().TasksFailed)
}
