// Package server exposes the node registry over the coordinator's message
// protocol. A MessageHandler answers decoded requests; a Session pumps one
// worker connection.
package server

import (
	"fmt"

	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/registry"
	"github.com/flotillaproject/flotilla/pkg/api"
)

type MessageHandler struct {
	registry *registry.NodeRegistry
	clock    util.Clock
}

func NewMessageHandler(registry *registry.NodeRegistry, clock util.Clock) *MessageHandler {
	return &MessageHandler{registry: registry, clock: clock}
}

// Handle answers one request. Domain errors are folded into an ErrorResponse
// rather than returned, so a worker that sends a bad request keeps its
// connection.
func (h *MessageHandler) Handle(request api.Request) api.Response {
	switch request := request.(type) {
	case *api.RegisterNodeRequest:
		return h.registerNode(request)
	case *api.HeartbeatRequest:
		return h.heartbeat(request)
	case *api.TaskResultRequest:
		return h.taskResult(request)
	case *api.GetNodesRequest:
		return h.getNodes()
	case *api.GetTasksRequest:
		return h.getTasks()
	case *api.AssignTaskRequest:
		return h.assignTask(request)
	default:
		// Request is a closed interface; a variant without a case here is a
		// programming error.
		return errorResponse(&api.ErrUnknownMessageType{Type: fmt.Sprintf("%T", request)})
	}
}

func (h *MessageHandler) registerNode(request *api.RegisterNodeRequest) api.Response {
	nodeId, err := h.registry.RegisterNode(request)
	if err != nil {
		return errorResponse(err)
	}
	return &api.RegisterResponse{
		Type:   api.MessageTypeRegisterResponse,
		Status: "registered",
		NodeId: nodeId,
	}
}

func (h *MessageHandler) heartbeat(request *api.HeartbeatRequest) api.Response {
	if err := h.registry.Heartbeat(request.NodeId, request.CurrentLoad, request.Status); err != nil {
		return errorResponse(err)
	}
	return &api.HeartbeatResponse{
		Type:      api.MessageTypeHeartbeatResponse,
		Status:    "acknowledged",
		Timestamp: h.clock.Now(),
	}
}

func (h *MessageHandler) taskResult(request *api.TaskResultRequest) api.Response {
	if err := h.registry.ReportTaskResult(request.TaskId, request.Status, request.Duration); err != nil {
		return errorResponse(err)
	}
	return &api.TaskResultResponse{
		Type:   api.MessageTypeTaskResultResponse,
		Status: "recorded",
	}
}

func (h *MessageHandler) getNodes() api.Response {
	nodes := h.registry.Nodes()
	return &api.NodesResponse{
		Type:       api.MessageTypeNodesResponse,
		Nodes:      nodes,
		TotalNodes: len(nodes),
	}
}

func (h *MessageHandler) getTasks() api.Response {
	tasks := h.registry.Tasks()
	return &api.TasksResponse{
		Type:       api.MessageTypeTasksResponse,
		Tasks:      tasks,
		TotalTasks: len(tasks),
	}
}

func (h *MessageHandler) assignTask(request *api.AssignTaskRequest) api.Response {
	task, err := h.registry.AssignTask(request.TaskId, request.Algorithm, request.Parameters)
	if err != nil {
		return errorResponse(err)
	}
	return &api.AssignTaskResponse{
		Type:         api.MessageTypeAssignTaskResponse,
		Status:       "assigned",
		TaskId:       task.Id,
		AssignedNode: task.AssignedNode,
	}
}

func errorResponse(err error) *api.ErrorResponse {
	return &api.ErrorResponse{Type: api.MessageTypeError, Message: err.Error()}
}
