package api

import (
	"time"

	"golang.org/x/exp/maps"
)

type TaskStatus string

const (
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskReassigned TaskStatus = "reassigned"
)

// IsTerminal reports whether no further transitions are legal for a task in this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskReassigned
}

// TaskRole is the role a task plays within its session's topology.
type TaskRole string

const (
	TaskRoleSingle          TaskRole = "single"
	TaskRoleParameterServer TaskRole = "parameter_server"
	TaskRoleClient          TaskRole = "client"
	TaskRoleMaster          TaskRole = "master"
	TaskRoleWorker          TaskRole = "worker"
)

// Task is a unit of training work dispatched to a node.
type Task struct {
	Id           string                 `json:"task_id"`
	SessionId    string                 `json:"session_id,omitempty"`
	Role         TaskRole               `json:"role,omitempty"`
	Algorithm    string                 `json:"algorithm"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	AssignedNode string                 `json:"assigned_node,omitempty"`
	Status       TaskStatus             `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	Priority     int                    `json:"priority,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
}

// IsActive reports whether the task currently occupies its assigned node.
func (t *Task) IsActive() bool {
	return t.Status == TaskAssigned || t.Status == TaskRunning
}

func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	copied := *t
	copied.Parameters = maps.Clone(t.Parameters)
	return &copied
}
