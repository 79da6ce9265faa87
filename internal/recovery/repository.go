package recovery

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const snapshotStoreKey = "Flotilla:Snapshot"

// SnapshotRepository stores snapshots durably so they survive coordinator
// restarts and can be inspected out of process.
type SnapshotRepository interface {
	StoreSnapshot(snapshot *SystemSnapshot) error
	// FetchSnapshot returns nil with no error when the id is unknown.
	FetchSnapshot(id string) (*SystemSnapshot, error)
	ListSnapshots() ([]*SystemSnapshot, error)
	DeleteSnapshot(id string) error
}

type RedisSnapshotRepository struct {
	db redis.UniversalClient
}

func NewRedisSnapshotRepository(db redis.UniversalClient) *RedisSnapshotRepository {
	return &RedisSnapshotRepository{db: db}
}

func (r *RedisSnapshotRepository) StoreSnapshot(snapshot *SystemSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.HSet(snapshotStoreKey, snapshot.Id, data).Result()
	return errors.WithStack(err)
}

func (r *RedisSnapshotRepository) FetchSnapshot(id string) (*SystemSnapshot, error) {
	value, err := r.db.HGet(snapshotStoreKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	snapshot := &SystemSnapshot{}
	if err := json.Unmarshal([]byte(value), snapshot); err != nil {
		return nil, errors.WithStack(err)
	}
	return snapshot, nil
}

func (r *RedisSnapshotRepository) ListSnapshots() ([]*SystemSnapshot, error) {
	result, err := r.db.HGetAll(snapshotStoreKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	snapshots := make([]*SystemSnapshot, 0, len(result))
	for _, value := range result {
		snapshot := &SystemSnapshot{}
		if err := json.Unmarshal([]byte(value), snapshot); err != nil {
			return nil, errors.WithStack(err)
		}
		snapshots = append(snapshots, snapshot)
	}
	// Snapshot ids are ULIDs, so id order is capture order.
	slices.SortFunc(snapshots, func(a, b *SystemSnapshot) bool { return a.Id < b.Id })
	return snapshots, nil
}

func (r *RedisSnapshotRepository) DeleteSnapshot(id string) error {
	_, err := r.db.HDel(snapshotStoreKey, id).Result()
	return errors.WithStack(err)
}
