package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Message type discriminators. Every message carries one in its "type" field.
const (
	MessageTypeRegisterNode       = "register_node"
	MessageTypeHeartbeat          = "heartbeat"
	MessageTypeTaskResult         = "task_result"
	MessageTypeGetNodes           = "get_nodes"
	MessageTypeGetTasks           = "get_tasks"
	MessageTypeAssignTask         = "assign_task"
	MessageTypeRegisterResponse   = "register_response"
	MessageTypeHeartbeatResponse  = "heartbeat_response"
	MessageTypeTaskResultResponse = "task_result_response"
	MessageTypeNodesResponse      = "nodes_response"
	MessageTypeTasksResponse      = "tasks_response"
	MessageTypeAssignTaskResponse = "assign_task_response"
	MessageTypeError              = "error"
)

// Request is the closed set of messages a worker may send to the coordinator.
// The compiler enforces that dispatch code handles concrete variants only.
type Request interface {
	isRequest()
}

// Response is the closed set of messages the coordinator sends back.
type Response interface {
	isResponse()
}

type RegisterNodeRequest struct {
	Type         string           `json:"type"`
	NodeId       string           `json:"node_id,omitempty"`
	NodeType     NodeRole         `json:"node_type"`
	Host         string           `json:"host"`
	Port         int              `json:"port"`
	Capabilities NodeCapabilities `json:"capabilities"`
}

type HeartbeatRequest struct {
	Type        string     `json:"type"`
	NodeId      string     `json:"node_id"`
	CurrentLoad float64    `json:"current_load"`
	Status      NodeStatus `json:"status"`
}

type TaskResultRequest struct {
	Type   string     `json:"type"`
	TaskId string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	// Duration of the task execution in seconds.
	Duration float64 `json:"duration"`
}

type GetNodesRequest struct {
	Type string `json:"type"`
}

type GetTasksRequest struct {
	Type string `json:"type"`
}

type AssignTaskRequest struct {
	Type       string                 `json:"type"`
	TaskId     string                 `json:"task_id,omitempty"`
	Algorithm  string                 `json:"algorithm"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

func (*RegisterNodeRequest) isRequest() {}
func (*HeartbeatRequest) isRequest()    {}
func (*TaskResultRequest) isRequest()   {}
func (*GetNodesRequest) isRequest()     {}
func (*GetTasksRequest) isRequest()     {}
func (*AssignTaskRequest) isRequest()   {}

type RegisterResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	NodeId string `json:"node_id"`
}

type HeartbeatResponse struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TaskResultResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type NodesResponse struct {
	Type       string  `json:"type"`
	Nodes      []*Node `json:"nodes"`
	TotalNodes int     `json:"total_nodes"`
}

type TasksResponse struct {
	Type       string  `json:"type"`
	Tasks      []*Task `json:"tasks"`
	TotalTasks int     `json:"total_tasks"`
}

type AssignTaskResponse struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	TaskId       string `json:"task_id"`
	AssignedNode string `json:"assigned_node"`
}

type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (*RegisterResponse) isResponse()   {}
func (*HeartbeatResponse) isResponse()  {}
func (*TaskResultResponse) isResponse() {}
func (*NodesResponse) isResponse()      {}
func (*TasksResponse) isResponse()      {}
func (*AssignTaskResponse) isResponse() {}
func (*ErrorResponse) isResponse()      {}

// ErrUnknownMessageType is returned when a message's type discriminator
// does not name any known message. Its Error string is sent back to the
// peer verbatim.
type ErrUnknownMessageType struct {
	Type string
}

func (err *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("Unknown message type: %s", err.Type)
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeRequest parses a worker message into its concrete request variant.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WithStack(err)
	}
	var request Request
	switch env.Type {
	case MessageTypeRegisterNode:
		request = &RegisterNodeRequest{}
	case MessageTypeHeartbeat:
		request = &HeartbeatRequest{}
	case MessageTypeTaskResult:
		request = &TaskResultRequest{}
	case MessageTypeGetNodes:
		request = &GetNodesRequest{}
	case MessageTypeGetTasks:
		request = &GetTasksRequest{}
	case MessageTypeAssignTask:
		request = &AssignTaskRequest{}
	default:
		return nil, &ErrUnknownMessageType{Type: env.Type}
	}
	if err := json.Unmarshal(data, request); err != nil {
		return nil, errors.WithStack(err)
	}
	return request, nil
}

// DecodeResponse parses a coordinator message into its concrete response variant.
func DecodeResponse(data []byte) (Response, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WithStack(err)
	}
	var response Response
	switch env.Type {
	case MessageTypeRegisterResponse:
		response = &RegisterResponse{}
	case MessageTypeHeartbeatResponse:
		response = &HeartbeatResponse{}
	case MessageTypeTaskResultResponse:
		response = &TaskResultResponse{}
	case MessageTypeNodesResponse:
		response = &NodesResponse{}
	case MessageTypeTasksResponse:
		response = &TasksResponse{}
	case MessageTypeAssignTaskResponse:
		response = &AssignTaskResponse{}
	case MessageTypeError:
		response = &ErrorResponse{}
	default:
		return nil, &ErrUnknownMessageType{Type: env.Type}
	}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, errors.WithStack(err)
	}
	return response, nil
}

func NewRegisterNodeRequest(nodeId string, role NodeRole, host string, port int, capabilities NodeCapabilities) *RegisterNodeRequest {
	return &RegisterNodeRequest{
		Type:         MessageTypeRegisterNode,
		NodeId:       nodeId,
		NodeType:     role,
		Host:         host,
		Port:         port,
		Capabilities: capabilities,
	}
}

func NewHeartbeatRequest(nodeId string, currentLoad float64, status NodeStatus) *HeartbeatRequest {
	return &HeartbeatRequest{
		Type:        MessageTypeHeartbeat,
		NodeId:      nodeId,
		CurrentLoad: currentLoad,
		Status:      status,
	}
}

func NewTaskResultRequest(taskId string, status TaskStatus, duration float64) *TaskResultRequest {
	return &TaskResultRequest{
		Type:     MessageTypeTaskResult,
		TaskId:   taskId,
		Status:   status,
		Duration: duration,
	}
}

func NewGetNodesRequest() *GetNodesRequest {
	return &GetNodesRequest{Type: MessageTypeGetNodes}
}

func NewGetTasksRequest() *GetTasksRequest {
	return &GetTasksRequest{Type: MessageTypeGetTasks}
}

func NewAssignTaskRequest(taskId string, algorithm string, parameters map[string]interface{}) *AssignTaskRequest {
	return &AssignTaskRequest{
		Type:       MessageTypeAssignTask,
		TaskId:     taskId,
		Algorithm:  algorithm,
		Parameters: parameters,
	}
}

// EncodeMessage serializes a request or response for the wire.
func EncodeMessage(message interface{}) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}
