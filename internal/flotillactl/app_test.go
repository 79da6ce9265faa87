package flotillactl

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/recovery"
	"github.com/flotillaproject/flotilla/pkg/api"
)

const snapshotStoreKey = "Flotilla:Snapshot"

func TestListSnapshots_EmptyStore(t *testing.T) {
	withApp(t, func(app *App, out *bytes.Buffer, db *miniredis.Miniredis) {
		require.NoError(t, app.ListSnapshots())
		assert.Contains(t, out.String(), "No snapshots stored")
	})
}

func TestListSnapshots_PrintsOneLinePerSnapshot(t *testing.T) {
	withApp(t, func(app *App, out *bytes.Buffer, db *miniredis.Miniredis) {
		storeSnapshot(t, app, "snapshot-01")
		storeSnapshot(t, app, "snapshot-02")

		require.NoError(t, app.ListSnapshots())
		assert.Contains(t, out.String(), "snapshot-01")
		assert.Contains(t, out.String(), "snapshot-02")
		assert.Contains(t, out.String(), "CHECKSUM")
	})
}

func TestVerifySnapshot_IntactSnapshotPasses(t *testing.T) {
	withApp(t, func(app *App, out *bytes.Buffer, db *miniredis.Miniredis) {
		storeSnapshot(t, app, "snapshot-01")

		require.NoError(t, app.VerifySnapshot("snapshot-01"))
		assert.Contains(t, out.String(), "Snapshot snapshot-01 verified")
	})
}

func TestVerifySnapshot_DetectsTampering(t *testing.T) {
	withApp(t, func(app *App, out *bytes.Buffer, db *miniredis.Miniredis) {
		storeSnapshot(t, app, "snapshot-01")

		// Corrupt the stored copy without touching its recorded checksum.
		raw := db.HGet(snapshotStoreKey, "snapshot-01")
		require.NotEmpty(t, raw)
		tampered := &recovery.SystemSnapshot{}
		require.NoError(t, json.Unmarshal([]byte(raw), tampered))
		tampered.Nodes["node-a"].Host = "impostor"
		data, err := json.Marshal(tampered)
		require.NoError(t, err)
		db.HSet(snapshotStoreKey, "snapshot-01", string(data))

		err = app.VerifySnapshot("snapshot-01")
		mismatch := &flotillaerrors.ErrChecksumMismatch{}
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, "snapshot-01", mismatch.SnapshotId)
	})
}

func TestVerifySnapshot_UnknownSnapshot(t *testing.T) {
	withApp(t, func(app *App, out *bytes.Buffer, db *miniredis.Miniredis) {
		err := app.VerifySnapshot("snapshot-missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snapshot-missing not found")
	})
}

func withApp(t *testing.T, action func(app *App, out *bytes.Buffer, db *miniredis.Miniredis)) {
	t.Helper()
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	out := &bytes.Buffer{}
	app := New()
	app.Out = out
	app.Params.Redis = &redis.UniversalOptions{Addrs: []string{db.Addr()}}

	action(app, out, db)
}

func storeSnapshot(t *testing.T, app *App, id string) {
	t.Helper()
	snapshot := &recovery.SystemSnapshot{
		Id:        id,
		CreatedAt: time.Now(),
		Nodes: map[string]*api.Node{
			"node-a": {Id: "node-a", Role: api.NodeRoleWorker, Status: api.NodeReady},
		},
		Tasks:       map[string]*api.Task{},
		SystemState: map[string]interface{}{"total_nodes": 1},
	}
	checksum, err := snapshot.ComputeChecksum()
	require.NoError(t, err)
	snapshot.Checksum = checksum

	err = app.withRepository(func(repository *recovery.RedisSnapshotRepository) error {
		return repository.StoreSnapshot(snapshot)
	})
	require.NoError(t, err)
}
