// Package fakeworker provides a fleet of simulated workers for local smoke
// runs: an embedded coordinator, N workers speaking the real message protocol
// over in-memory channels and optionally a few demo training sessions driven
// through the orchestrator.
package fakeworker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla"
	"github.com/flotillaproject/flotilla/internal/flotilla/server"
	"github.com/flotillaproject/flotilla/internal/orchestrator"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// FleetSpec configures the simulated fleet. It lives under the "fleet" key of
// the fakeworker config file, next to the regular coordinator configuration.
type FleetSpec struct {
	Workers           int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// TaskDuration is how long a simulated task takes end to end.
	TaskDuration   time.Duration
	MetricsReports int
	Capabilities   api.NodeCapabilities
	// DemoSessions is the number of training sessions submitted once the
	// fleet has registered. Zero leaves the fleet idle.
	DemoSessions int
}

// StartFleet connects spec.Workers simulated workers to the coordinator over
// in-memory channels. Once every worker has finished registering, the demo
// sessions are submitted. The returned WaitGroup reports when all workers and
// their channels have shut down.
func StartFleet(ctx context.Context, spec FleetSpec, components *flotilla.Components) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	registered := &sync.WaitGroup{}
	registered.Add(spec.Workers)

	for i := 0; i < spec.Workers; i++ {
		workerSide, coordinatorSide := api.MessagePipe()
		session := server.NewSession(coordinatorSide, components.Handler)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := session.Serve(ctx); err != nil {
				log.WithError(err).Error("Worker channel closed with error")
			}
		}()

		worker := newWorker(i, workerSide, spec, components.Metrics, util.NewThreadsafeRand(int64(i)))
		go func() {
			defer wg.Done()
			err := worker.register()
			registered.Done()
			if err != nil {
				log.WithError(err).Errorf("Worker %s could not register", worker.id)
				return
			}
			worker.run(ctx)
		}()
	}

	if spec.DemoSessions > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registered.Wait()
			startDemoSessions(spec, components.Orchestrator)
		}()
	}
	return wg
}

// startDemoSessions submits and starts the configured number of training
// sessions. Their lifecycle from here on is entirely the orchestrator's:
// workers pick the dispatched tasks up on their next poll.
func startDemoSessions(spec FleetSpec, sessions *orchestrator.Orchestrator) {
	algorithm := "dqn"
	if len(spec.Capabilities.Algorithms) > 0 {
		algorithm = spec.Capabilities.Algorithms[0]
	}
	topology := api.TopologySingleNode
	maxNodes := 1
	if spec.Workers > 1 {
		topology = api.TopologyMultiNode
		maxNodes = 2
	}

	for i := 0; i < spec.DemoSessions; i++ {
		config := &api.TrainingConfig{
			Algorithm:     algorithm,
			Environment:   "CartPole-v1",
			TopologyMode:  topology,
			MinNodes:      1,
			MaxNodes:      maxNodes,
			TrainingSteps: 1000,
			Hyperparameters: map[string]interface{}{
				"learning_rate": 0.001,
				"batch_size":    32,
				"buffer_size":   10000,
			},
		}
		sessionId, err := sessions.Create(config)
		if err != nil {
			log.WithError(err).Error("Could not create demo session")
			continue
		}
		if err := sessions.Start(sessionId); err != nil {
			log.WithError(err).Errorf("Demo session %s failed to start", sessionId)
			continue
		}
		log.Infof("Demo session %s started (%s over up to %d nodes)", sessionId, algorithm, maxNodes)
	}
}
