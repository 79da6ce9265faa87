package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/pkg/api"
)

var supportedAlgorithms = []string{"dqn", "ppo", "sac"}

// requiredHyperparameters decodes the loosely typed hyperparameter map.
// Pointer fields distinguish a missing key from a zero value.
type requiredHyperparameters struct {
	LearningRate *float64 `mapstructure:"learning_rate"`
	BatchSize    *int     `mapstructure:"batch_size"`
	BufferSize   *int     `mapstructure:"buffer_size"`
}

// validateTrainingConfig checks a session's configuration before any node is
// claimed. Every violation is reported as ErrInvalidConfiguration so callers
// can treat rejection uniformly.
func validateTrainingConfig(config *api.TrainingConfig) error {
	if !slices.Contains(supportedAlgorithms, strings.ToLower(config.Algorithm)) {
		return &flotillaerrors.ErrInvalidConfiguration{
			Message: fmt.Sprintf("unsupported algorithm %q", config.Algorithm),
		}
	}
	if config.MinNodes < 1 {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "min_nodes must be at least 1"}
	}
	if config.MaxNodes < config.MinNodes {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "max_nodes must not be smaller than min_nodes"}
	}
	if config.TrainingSteps < 1 {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "training_steps must be at least 1"}
	}
	switch config.TopologyMode {
	case api.TopologySingleNode, api.TopologyMultiNode, api.TopologyFederated, api.TopologyHierarchical:
	default:
		return &flotillaerrors.ErrInvalidConfiguration{
			Message: fmt.Sprintf("unknown topology mode %q", config.TopologyMode),
		}
	}

	hyperparameters := requiredHyperparameters{}
	if err := mapstructure.Decode(config.Hyperparameters, &hyperparameters); err != nil {
		return &flotillaerrors.ErrInvalidConfiguration{
			Message: fmt.Sprintf("malformed hyperparameters: %s", err),
		}
	}
	if hyperparameters.LearningRate == nil {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "hyperparameters must include learning_rate"}
	}
	if hyperparameters.BatchSize == nil {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "hyperparameters must include batch_size"}
	}
	if hyperparameters.BufferSize == nil {
		return &flotillaerrors.ErrInvalidConfiguration{Message: "hyperparameters must include buffer_size"}
	}
	return nil
}
