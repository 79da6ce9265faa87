package flotilla

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flotillaproject/flotilla/internal/balancer"
	"github.com/flotillaproject/flotilla/internal/common/health"
	"github.com/flotillaproject/flotilla/internal/common/task"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/metrics"
	"github.com/flotillaproject/flotilla/internal/flotilla/server"
	"github.com/flotillaproject/flotilla/internal/orchestrator"
	"github.com/flotillaproject/flotilla/internal/recovery"
	"github.com/flotillaproject/flotilla/internal/registry"
)

// Components groups the live coordinator services so embedding applications
// can attach worker channels and submit training sessions.
type Components struct {
	Registry     *registry.NodeRegistry
	Balancer     *balancer.LoadBalancer
	Recovery     *recovery.Engine
	Orchestrator *orchestrator.Orchestrator
	Metrics      *orchestrator.MetricsStore
	Handler      *server.MessageHandler
}

func Serve(ctx context.Context, config *configuration.FlotillaConfig, healthChecks *health.MultiChecker) error {
	return serve(ctx, config, healthChecks, nil)
}

// ServeWith behaves like Serve but hands the constructed components to ready
// before the background loops start. The fake worker fleet uses this to wire
// in-memory connections against the live handler.
func ServeWith(ctx context.Context, config *configuration.FlotillaConfig, healthChecks *health.MultiChecker, ready func(*Components)) error {
	return serve(ctx, config, healthChecks, ready)
}

func serve(ctx context.Context, config *configuration.FlotillaConfig, healthChecks *health.MultiChecker, ready func(*Components)) error {
	log.Info("Flotilla coordinator starting")
	defer log.Info("Flotilla coordinator shutting down")

	if err := validateFlotillaConfig(config); err != nil {
		return err
	}

	if config.Recovery.AutoRecovery {
		log.Info("Automatic fault recovery is enabled")
	} else {
		log.Info("Automatic fault recovery is disabled, failures are detected but not acted on")
	}

	// We call startupCompleteCheck.MarkComplete() when all services have been started.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	// Run all services within an errgroup to propagate errors between services.
	// Defer cancelling the parent context to ensure the errgroup is cancelled on return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// List of services to run concurrently.
	// Because we want to start services only once all wiring has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	// Setup Redis
	db := createRedisClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()
	snapshotRepository := recovery.NewRedisSnapshotRepository(db)
	healthChecks.Add(recovery.NewRedisHealth(db))

	clock := &util.UTCClock{}

	strategy, err := balancer.ParseStrategy(config.Balancer.Strategy)
	if err != nil {
		return err
	}
	loadBalancer := balancer.NewLoadBalancer(strategy, config.Balancer.AssignmentRetention, clock)
	nodeRegistry := registry.NewNodeRegistry(loadBalancer, config.Registry.HeartbeatTimeout, clock)

	recoveryEngine := recovery.NewEngine(
		nodeRegistry,
		snapshotRepository,
		config.Recovery,
		config.Registry.HeartbeatTimeout,
		clock,
	)
	// Stop takes a final snapshot, so it must run before the Redis client closes.
	defer recoveryEngine.Stop()

	metricsStore := orchestrator.NewMetricsStore(config.Orchestrator.MetricsRetention)
	sessionOrchestrator := orchestrator.NewOrchestrator(nodeRegistry, metricsStore, config.Orchestrator, clock)
	defer sessionOrchestrator.Stop()

	handler := server.NewMessageHandler(nodeRegistry, clock)

	// Allows for registering functions to be run periodically in the background.
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(time.Second * 2)

	taskManager.Register(nodeRegistry.CheckNodeLiveness, config.Registry.HeartbeatInterval, "node_liveness")
	taskManager.Register(loadBalancer.TunePerformance, config.Balancer.TuningInterval, "balancer_tuning")
	taskManager.Register(func() {
		recoveryEngine.UpdateSystemState(nodeRegistry.NodeMap(), nodeRegistry.TaskMap())
	}, config.Recovery.DetectionInterval, "state_publication")
	taskManager.Register(recoveryEngine.DetectFailures, config.Recovery.DetectionInterval, "failure_detection")
	if config.Recovery.AutoRecovery {
		taskManager.Register(recoveryEngine.ExecuteRecoveries, config.Recovery.RecoveryInterval, "recovery_execution")
	}
	taskManager.Register(func() {
		if _, err := recoveryEngine.CaptureSnapshot(); err != nil {
			log.WithError(err).Error("Failed to capture system snapshot")
		}
	}, config.Recovery.SnapshotInterval, "snapshot_capture")

	metrics.ExposeFleetMetrics(nodeRegistry, loadBalancer, recoveryEngine, sessionOrchestrator)

	if ready != nil {
		ready(&Components{
			Registry:     nodeRegistry,
			Balancer:     loadBalancer,
			Recovery:     recoveryEngine,
			Orchestrator: sessionOrchestrator,
			Metrics:      metricsStore,
			Handler:      handler,
		})
	}

	// Keep the group alive until the context is cancelled, so Serve blocks
	// even when no worker channels are attached yet.
	services = append(services, func() error {
		<-ctx.Done()
		return nil
	})

	// Start all services and wait for the context to be cancelled,
	// which happens if the parent context is cancelled or if any of the services returns an error.
	// We start all services at the end of the function to ensure all services are ready.
	for _, service := range services {
		g.Go(service)
	}

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func createRedisClient(config *redis.UniversalOptions) redis.UniversalClient {
	return redis.NewUniversalClient(config)
}

func validateFlotillaConfig(config *configuration.FlotillaConfig) error {
	if config.Registry.HeartbeatTimeout <= 0 {
		return errors.Errorf("registry heartbeat timeout must be positive: is %s", config.Registry.HeartbeatTimeout)
	}
	if config.Registry.HeartbeatInterval <= 0 {
		return errors.Errorf("registry heartbeat interval must be positive: is %s", config.Registry.HeartbeatInterval)
	}
	if config.Recovery.MaxSnapshots <= 0 {
		return errors.Errorf("recovery max snapshots must be positive: is %d", config.Recovery.MaxSnapshots)
	}
	return nil
}
