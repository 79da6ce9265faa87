package api

import (
	"time"

	"golang.org/x/exp/maps"
)

// SessionPhase is the lifecycle phase of a training session.
type SessionPhase string

const (
	SessionInitializing SessionPhase = "initializing"
	SessionPreparing    SessionPhase = "preparing"
	SessionTraining     SessionPhase = "training"
	SessionEvaluating   SessionPhase = "evaluating"
	SessionCompleted    SessionPhase = "completed"
	SessionFailed       SessionPhase = "failed"
	SessionCancelled    SessionPhase = "cancelled"
)

func (p SessionPhase) IsTerminal() bool {
	return p == SessionCompleted || p == SessionFailed || p == SessionCancelled
}

// TopologyMode determines the task graph created for a session.
type TopologyMode string

const (
	TopologySingleNode   TopologyMode = "single_node"
	TopologyMultiNode    TopologyMode = "multi_node"
	TopologyFederated    TopologyMode = "federated"
	TopologyHierarchical TopologyMode = "hierarchical"
)

// TrainingConfig describes a distributed training session.
type TrainingConfig struct {
	Algorithm           string                 `json:"algorithm"`
	Environment         string                 `json:"environment"`
	TopologyMode        TopologyMode           `json:"topology_mode"`
	MinNodes            int                    `json:"min_nodes"`
	MaxNodes            int                    `json:"max_nodes"`
	TrainingSteps       int                    `json:"training_steps"`
	EvaluationFrequency int                    `json:"evaluation_frequency"`
	CheckpointFrequency int                    `json:"checkpoint_frequency"`
	Timeout             time.Duration          `json:"timeout"`
	Hyperparameters     map[string]interface{} `json:"hyperparameters"`
	EnableFaultRecovery bool                   `json:"enable_fault_recovery"`
}

func (c *TrainingConfig) DeepCopy() *TrainingConfig {
	if c == nil {
		return nil
	}
	copied := *c
	copied.Hyperparameters = maps.Clone(c.Hyperparameters)
	return &copied
}

// TrainingMetrics is a point-in-time metrics report published by a worker
// for one of its tasks.
type TrainingMetrics struct {
	SessionId     string    `json:"session_id,omitempty"`
	NodeId        string    `json:"node_id"`
	TaskId        string    `json:"task_id"`
	Step          int       `json:"step"`
	EpisodeReward float64   `json:"episode_reward"`
	EpisodeLength int       `json:"episode_length"`
	Loss          float64   `json:"loss"`
	LearningRate  float64   `json:"learning_rate"`
	Epsilon       float64   `json:"epsilon"`
	Timestamp     time.Time `json:"timestamp"`
}
