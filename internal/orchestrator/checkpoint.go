package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// checkpointDocument is the on-disk shape of a session checkpoint.
type checkpointDocument struct {
	Session SessionStatus         `json:"session"`
	Metrics []api.TrainingMetrics `json:"metrics"`
}

// writeCheckpoint persists a session checkpoint as checkpoint_<sessionId>.json
// inside dir. The document is written to a temporary file and renamed into
// place so readers never observe a partial checkpoint.
func writeCheckpoint(dir string, status SessionStatus, metrics []api.TrainingMetrics) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	if metrics == nil {
		metrics = []api.TrainingMetrics{}
	}
	data, err := json.MarshalIndent(checkpointDocument{Session: status, Metrics: metrics}, "", "  ")
	if err != nil {
		return "", errors.WithStack(err)
	}

	path := filepath.Join(dir, fmt.Sprintf("checkpoint_%s.json", status.Id))
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	if err := os.Rename(temporary, path); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}
