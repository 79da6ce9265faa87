package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// buildTaskGraph lays tasks out over the session's assigned nodes according
// to its topology mode. The first assigned node hosts the coordinating role
// in federated and hierarchical topologies.
func buildTaskGraph(s *session, now time.Time) []*api.Task {
	nodes := s.assignedNodes
	var tasks []*api.Task

	switch s.config.TopologyMode {
	case api.TopologyMultiNode:
		for i, nodeId := range nodes {
			tasks = append(tasks, s.newTask(fmt.Sprintf("node-%d", i), api.TaskRoleWorker, nodeId, now))
		}
	case api.TopologyFederated:
		tasks = append(tasks, s.newTask("server", api.TaskRoleParameterServer, nodes[0], now))
		for i, nodeId := range nodes[1:] {
			tasks = append(tasks, s.newTask(fmt.Sprintf("client-%d", i), api.TaskRoleClient, nodeId, now))
		}
	case api.TopologyHierarchical:
		tasks = append(tasks, s.newTask("master", api.TaskRoleMaster, nodes[0], now))
		for i, nodeId := range nodes[1:] {
			tasks = append(tasks, s.newTask(fmt.Sprintf("worker-%d", i), api.TaskRoleWorker, nodeId, now))
		}
	default:
		tasks = append(tasks, s.newTask("single", api.TaskRoleSingle, nodes[0], now))
	}
	return tasks
}

// newTask builds one task of the session's graph. Task parameters carry the
// hyperparameters plus the environment and step target, so a node can run
// the task without fetching any further session state.
func (s *session) newTask(suffix string, role api.TaskRole, nodeId string, now time.Time) *api.Task {
	parameters := maps.Clone(s.config.Hyperparameters)
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	parameters["environment"] = s.config.Environment
	parameters["training_steps"] = s.config.TrainingSteps

	return &api.Task{
		Id:           fmt.Sprintf("task-%s-%s", strings.TrimPrefix(s.id, "session-"), suffix),
		SessionId:    s.id,
		Role:         role,
		Algorithm:    s.config.Algorithm,
		Parameters:   parameters,
		AssignedNode: nodeId,
		Status:       api.TaskAssigned,
		CreatedAt:    now,
		Priority:     1,
		Timeout:      s.config.Timeout,
	}
}
