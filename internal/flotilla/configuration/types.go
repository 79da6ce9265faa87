package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type FlotillaConfig struct {
	MetricsPort uint16

	Redis redis.UniversalOptions

	Registry     RegistryConfig
	Balancer     BalancerConfig
	Recovery     RecoveryConfig
	Orchestrator OrchestratorConfig
}

type RegistryConfig struct {
	// HeartbeatInterval is both the expected worker heartbeat period and
	// the liveness monitor loop interval.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence after which a node is considered dead.
	HeartbeatTimeout time.Duration
}

type BalancerConfig struct {
	// Strategy the balancer starts with. One of round_robin, least_loaded,
	// weighted_round_robin, predictive, adaptive.
	Strategy       string
	TuningInterval time.Duration
	// AssignmentRetention bounds how long completed assignment records are
	// kept for performance accounting.
	AssignmentRetention time.Duration
}

type RecoveryConfig struct {
	AutoRecovery        bool
	DetectionInterval   time.Duration
	RecoveryInterval    time.Duration
	SnapshotInterval    time.Duration
	MaxRecoveryAttempts int
	MaxSnapshots        int
	// TaskStuckTimeout is how long a task may stay in running before it is
	// treated as failed.
	TaskStuckTimeout time.Duration
}

type OrchestratorConfig struct {
	MonitoringInterval    time.Duration
	CheckpointDir         string
	MetricsRetention      time.Duration
	DefaultSessionTimeout time.Duration
}
