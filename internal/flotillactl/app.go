// Package flotillactl implements the operations behind the flotillactl
// command line tool. Commands operate directly on the coordinator's durable
// state in Redis, so they work whether or not a coordinator is running.
package flotillactl

import (
	"io"
	"os"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/recovery"
)

type Params struct {
	Redis *redis.UniversalOptions
}

// App bundles the parameters and output stream every command needs.
// Tests replace Out to capture command output.
type App struct {
	Params *Params
	Out    io.Writer
}

func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
	}
}

// withRepository runs action against the snapshot repository, managing the
// Redis client's lifecycle around it.
func (a *App) withRepository(action func(repository *recovery.RedisSnapshotRepository) error) error {
	db := redis.NewUniversalClient(a.Params.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()
	return action(recovery.NewRedisSnapshotRepository(db))
}
