package recovery

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestSnapshotRepository_StoreAndFetch(t *testing.T) {
	withRepository(t, func(repo *RedisSnapshotRepository) {
		snapshot := testSnapshot("snapshot-01")
		require.NoError(t, repo.StoreSnapshot(snapshot))

		fetched, err := repo.FetchSnapshot("snapshot-01")
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, snapshot.Id, fetched.Id)
		assert.Equal(t, snapshot.Checksum, fetched.Checksum)
		assert.Len(t, fetched.Nodes, 1)
	})
}

func TestSnapshotRepository_FetchUnknownReturnsNil(t *testing.T) {
	withRepository(t, func(repo *RedisSnapshotRepository) {
		fetched, err := repo.FetchSnapshot("snapshot-missing")
		require.NoError(t, err)
		assert.Nil(t, fetched)
	})
}

func TestSnapshotRepository_ListIsOrderedById(t *testing.T) {
	withRepository(t, func(repo *RedisSnapshotRepository) {
		require.NoError(t, repo.StoreSnapshot(testSnapshot("snapshot-02")))
		require.NoError(t, repo.StoreSnapshot(testSnapshot("snapshot-01")))
		require.NoError(t, repo.StoreSnapshot(testSnapshot("snapshot-03")))

		snapshots, err := repo.ListSnapshots()
		require.NoError(t, err)
		require.Len(t, snapshots, 3)
		assert.Equal(t, "snapshot-01", snapshots[0].Id)
		assert.Equal(t, "snapshot-02", snapshots[1].Id)
		assert.Equal(t, "snapshot-03", snapshots[2].Id)
	})
}

func TestSnapshotRepository_Delete(t *testing.T) {
	withRepository(t, func(repo *RedisSnapshotRepository) {
		require.NoError(t, repo.StoreSnapshot(testSnapshot("snapshot-01")))
		require.NoError(t, repo.DeleteSnapshot("snapshot-01"))

		fetched, err := repo.FetchSnapshot("snapshot-01")
		require.NoError(t, err)
		assert.Nil(t, fetched)
	})
}

func withRepository(t *testing.T, action func(repo *RedisSnapshotRepository)) {
	t.Helper()
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	action(NewRedisSnapshotRepository(redis.NewClient(&redis.Options{Addr: db.Addr()})))
}

func testSnapshot(id string) *SystemSnapshot {
	snapshot := &SystemSnapshot{
		Id:        id,
		CreatedAt: time.Now(),
		Nodes: map[string]*api.Node{
			"node-a": {Id: "node-a", Role: api.NodeRoleWorker, Status: api.NodeReady},
		},
		Tasks:       map[string]*api.Task{},
		SystemState: map[string]interface{}{"total_nodes": 1},
	}
	checksum, err := snapshot.ComputeChecksum()
	if err != nil {
		panic(err)
	}
	snapshot.Checksum = checksum
	return snapshot
}
