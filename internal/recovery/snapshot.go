package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// SystemSnapshot is a point-in-time copy of the monitored fleet state.
// The checksum covers nodes, tasks and system state; map keys are sorted by
// the JSON encoder, so the serialization is canonical and the checksum is
// reproducible from the content alone.
type SystemSnapshot struct {
	Id          string                 `json:"snapshot_id"`
	CreatedAt   time.Time              `json:"created_at"`
	Nodes       map[string]*api.Node   `json:"nodes"`
	Tasks       map[string]*api.Task   `json:"tasks"`
	SystemState map[string]interface{} `json:"system_state"`
	Checksum    string                 `json:"checksum"`
}

// ComputeChecksum hashes the snapshot's content, excluding the stored
// checksum itself.
func (s *SystemSnapshot) ComputeChecksum() (string, error) {
	payload := struct {
		Nodes       map[string]*api.Node   `json:"nodes"`
		Tasks       map[string]*api.Task   `json:"tasks"`
		SystemState map[string]interface{} `json:"system_state"`
	}{s.Nodes, s.Tasks, s.SystemState}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WithStack(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CaptureSnapshot copies the monitored state, checksums it and stores it
// both in memory and durably, pruning the oldest snapshots beyond the
// retention bound. Returns the new snapshot's id.
func (e *Engine) CaptureSnapshot() (string, error) {
	e.mu.Lock()
	snapshot := &SystemSnapshot{
		Id:        "snapshot-" + util.NewULID(),
		CreatedAt: e.clock.Now(),
		Nodes:     copyNodeMap(e.nodes),
		Tasks:     copyTaskMap(e.tasks),
		SystemState: map[string]interface{}{
			"total_nodes":         len(e.nodes),
			"total_tasks":         len(e.tasks),
			"active_tasks":        countActiveTasks(e.tasks),
			"failures_detected":   e.failuresDetected,
			"recoveries_resolved": e.recoveriesResolved,
		},
	}

	checksum, err := snapshot.ComputeChecksum()
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	snapshot.Checksum = checksum

	e.snapshots = append(e.snapshots, snapshot)
	var pruned []string
	for len(e.snapshots) > e.maxSnapshots {
		pruned = append(pruned, e.snapshots[0].Id)
		e.snapshots = e.snapshots[1:]
	}
	e.mu.Unlock()

	if err := e.repository.StoreSnapshot(snapshot); err != nil {
		log.WithError(err).Errorf("Failed to store snapshot %s durably", snapshot.Id)
	}
	for _, id := range pruned {
		if err := e.repository.DeleteSnapshot(id); err != nil {
			log.WithError(err).Errorf("Failed to prune snapshot %s", id)
		}
	}

	log.Infof("Captured snapshot %s (%d nodes, %d tasks)", snapshot.Id, len(snapshot.Nodes), len(snapshot.Tasks))
	return snapshot.Id, nil
}

// Restore replaces the engine's monitored state with a snapshot's content.
// The checksum is recomputed over the loaded content first; on mismatch the
// live state is left untouched.
func (e *Engine) Restore(snapshotId string) error {
	snapshot := e.snapshotById(snapshotId)
	if snapshot == nil {
		loaded, err := e.repository.FetchSnapshot(snapshotId)
		if err != nil {
			return err
		}
		if loaded == nil {
			return errors.Errorf("snapshot %s not found", snapshotId)
		}
		snapshot = loaded
	}

	recomputed, err := snapshot.ComputeChecksum()
	if err != nil {
		return err
	}
	if recomputed != snapshot.Checksum {
		return &flotillaerrors.ErrChecksumMismatch{
			SnapshotId: snapshotId,
			Expected:   snapshot.Checksum,
			Actual:     recomputed,
		}
	}

	e.mu.Lock()
	e.nodes = copyNodeMap(snapshot.Nodes)
	e.tasks = copyTaskMap(snapshot.Tasks)
	e.mu.Unlock()

	log.Infof("Restored system state from snapshot %s (%d nodes, %d tasks)",
		snapshotId, len(snapshot.Nodes), len(snapshot.Tasks))
	return nil
}

func (e *Engine) snapshotById(snapshotId string) *SystemSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, snapshot := range e.snapshots {
		if snapshot.Id == snapshotId {
			return snapshot
		}
	}
	return nil
}

// SnapshotIds lists the in-memory snapshots, oldest first.
func (e *Engine) SnapshotIds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.snapshots))
	for _, snapshot := range e.snapshots {
		ids = append(ids, snapshot.Id)
	}
	return ids
}

func copyNodeMap(nodes map[string]*api.Node) map[string]*api.Node {
	copied := make(map[string]*api.Node, len(nodes))
	for id, node := range nodes {
		copied[id] = node.DeepCopy()
	}
	return copied
}

func copyTaskMap(tasks map[string]*api.Task) map[string]*api.Task {
	copied := make(map[string]*api.Task, len(tasks))
	for id, task := range tasks {
		copied[id] = task.DeepCopy()
	}
	return copied
}

func countActiveTasks(tasks map[string]*api.Task) int {
	active := 0
	for _, task := range tasks {
		if task.IsActive() {
			active++
		}
	}
	return active
}
