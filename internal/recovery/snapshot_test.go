package recovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestCaptureSnapshot_StoresInMemoryAndDurably(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.UpdateSystemState(
			nodeMap(freshNode("node-a", clock), freshNode("node-b", clock)),
			taskMap(activeTask("task-1", "node-a")),
		)

		snapshotId, err := e.CaptureSnapshot()
		require.NoError(t, err)
		assert.Equal(t, []string{snapshotId}, e.SnapshotIds())

		stored, err := repo.FetchSnapshot(snapshotId)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Len(t, stored.Nodes, 2)
		assert.Len(t, stored.Tasks, 1)

		// The stored checksum is reproducible from the stored content.
		recomputed, err := stored.ComputeChecksum()
		require.NoError(t, err)
		assert.Equal(t, stored.Checksum, recomputed)
	})
}

func TestCaptureSnapshot_PrunesOldestBeyondRetention(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.UpdateSystemState(nodeMap(freshNode("node-a", clock)), nil)

		var ids []string
		for i := 0; i < 11; i++ {
			id, err := e.CaptureSnapshot()
			require.NoError(t, err)
			ids = append(ids, id)
		}

		kept := e.SnapshotIds()
		assert.Len(t, kept, 10)
		assert.Equal(t, ids[1:], kept)

		// The pruned snapshot is gone durably too.
		stored, err := repo.FetchSnapshot(ids[0])
		require.NoError(t, err)
		assert.Nil(t, stored)

		remaining, err := repo.ListSnapshots()
		require.NoError(t, err)
		assert.Len(t, remaining, 10)
	})
}

func TestRestore_RoundTripsState(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		original := freshNode("node-a", clock)
		original.CurrentLoad = 0.42
		e.UpdateSystemState(nodeMap(original, freshNode("node-b", clock)), taskMap(activeTask("task-1", "node-a")))

		snapshotId, err := e.CaptureSnapshot()
		require.NoError(t, err)

		// The fleet moves on; the snapshot must bring the old view back.
		e.UpdateSystemState(map[string]*api.Node{}, map[string]*api.Task{})
		require.Equal(t, 0, e.GetStats().MonitoredNodes)

		require.NoError(t, e.Restore(snapshotId))

		stats := e.GetStats()
		assert.Equal(t, 2, stats.MonitoredNodes)
		assert.Equal(t, 1, stats.MonitoredTasks)
	})
}

func TestRestore_FromDurableStoreWhenNotInMemory(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.UpdateSystemState(nodeMap(freshNode("node-a", clock)), nil)
		snapshotId, err := e.CaptureSnapshot()
		require.NoError(t, err)

		// A freshly started engine holds no snapshots in memory.
		restarted := NewEngine(&stubActions{}, repo, configuration.RecoveryConfig{
			AutoRecovery:        true,
			MaxRecoveryAttempts: 3,
			MaxSnapshots:        10,
			TaskStuckTimeout:    time.Hour,
		}, 90*time.Second, clock)

		require.NoError(t, restarted.Restore(snapshotId))
		assert.Equal(t, 1, restarted.GetStats().MonitoredNodes)
	})
}

func TestRestore_ChecksumMismatchLeavesLiveStateUntouched(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.UpdateSystemState(nodeMap(freshNode("node-a", clock)), nil)
		snapshotId, err := e.CaptureSnapshot()
		require.NoError(t, err)

		// Corrupt the durable copy without touching its stored checksum.
		raw := db.HGet(snapshotStoreKey, snapshotId)
		require.NotEmpty(t, raw)
		tampered := &SystemSnapshot{}
		require.NoError(t, json.Unmarshal([]byte(raw), tampered))
		tampered.Nodes["node-a"].Host = "impostor"
		data, err := json.Marshal(tampered)
		require.NoError(t, err)
		db.HSet(snapshotStoreKey, snapshotId, string(data))

		restarted := NewEngine(&stubActions{}, repo, configuration.RecoveryConfig{
			AutoRecovery:        true,
			MaxRecoveryAttempts: 3,
			MaxSnapshots:        10,
			TaskStuckTimeout:    time.Hour,
		}, 90*time.Second, clock)
		restarted.UpdateSystemState(nodeMap(freshNode("node-z", clock), freshNode("node-y", clock)), nil)

		err = restarted.Restore(snapshotId)
		require.Error(t, err)

		var mismatch *flotillaerrors.ErrChecksumMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, snapshotId, mismatch.SnapshotId)

		// The live view is exactly as it was.
		assert.Equal(t, 2, restarted.GetStats().MonitoredNodes)
	})
}

func TestRestore_UnknownSnapshot(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		err := e.Restore("snapshot-missing")
		assert.Error(t, err)
	})
}

func TestStop_TakesFinalSnapshotWhenStateHeld(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.UpdateSystemState(nodeMap(freshNode("node-a", clock)), nil)

		e.Stop()

		snapshots, err := repo.ListSnapshots()
		require.NoError(t, err)
		assert.Len(t, snapshots, 1)
	})
}

func TestStop_NoSnapshotWithoutState(t *testing.T) {
	withSnapshotEngine(t, func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock) {
		e.Stop()

		snapshots, err := repo.ListSnapshots()
		require.NoError(t, err)
		assert.Empty(t, snapshots)
	})
}

func withSnapshotEngine(t *testing.T, action func(e *Engine, repo *RedisSnapshotRepository, db *miniredis.Miniredis, clock *util.DummyClock)) {
	t.Helper()
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	repo := NewRedisSnapshotRepository(redis.NewClient(&redis.Options{Addr: db.Addr()}))
	clock := &util.DummyClock{T: time.Now()}
	engine := NewEngine(&stubActions{
		nodeStatuses: map[string]api.NodeStatus{},
		taskStatuses: map[string]api.TaskStatus{},
	}, repo, configuration.RecoveryConfig{
		AutoRecovery:        true,
		MaxRecoveryAttempts: 3,
		MaxSnapshots:        10,
		TaskStuckTimeout:    time.Hour,
	}, 90*time.Second, clock)

	action(engine, repo, db, clock)
}
