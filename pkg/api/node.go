// Package api contains the data model shared between the coordinator
// components and the message schema spoken between workers and the
// coordinator.
package api

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type NodeStatus string

const (
	NodeInitializing NodeStatus = "initializing"
	NodeReady        NodeStatus = "ready"
	NodeBusy         NodeStatus = "busy"
	NodeError        NodeStatus = "error"
	NodeDisconnected NodeStatus = "disconnected"
)

type NodeRole string

const (
	NodeRoleWorker      NodeRole = "worker"
	NodeRoleCoordinator NodeRole = "coordinator"
	NodeRoleStorage     NodeRole = "storage"
	NodeRoleEvaluator   NodeRole = "evaluator"
)

type NodeCapabilities struct {
	Algorithms []string `json:"algorithms"`
	CpuCores   int      `json:"cpu_cores"`
	GpuCount   int      `json:"gpu_count"`
	MemoryGb   float64  `json:"memory_gb"`
}

// Node is a worker process registered with the coordinator.
// Nodes are never deleted from the registry, only transitioned between statuses.
type Node struct {
	Id            string            `json:"node_id"`
	Role          NodeRole          `json:"node_type"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Capabilities  NodeCapabilities  `json:"capabilities"`
	Status        NodeStatus        `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CurrentLoad   float64           `json:"current_load"`
	// SessionId is set while a training session holds an exclusive claim on this node.
	SessionId string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n *Node) SupportsAlgorithm(algorithm string) bool {
	return slices.Contains(n.Capabilities.Algorithms, algorithm)
}

func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	copied := *n
	copied.Capabilities.Algorithms = slices.Clone(n.Capabilities.Algorithms)
	copied.Metadata = maps.Clone(n.Metadata)
	return &copied
}
