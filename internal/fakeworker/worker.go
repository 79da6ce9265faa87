package fakeworker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/orchestrator"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// Worker simulates a single training process. It registers with the
// coordinator, heartbeats, polls for tasks assigned to it and reports
// fabricated training progress until its task completes.
type Worker struct {
	id      string
	conn    api.MessageConn
	spec    FleetSpec
	metrics *orchestrator.MetricsStore
	rand    *rand.Rand

	// Task ids this worker has already picked up, so a poll does not start
	// the same task twice.
	seen map[string]bool
}

func newWorker(index int, conn api.MessageConn, spec FleetSpec, metrics *orchestrator.MetricsStore, random *rand.Rand) *Worker {
	return &Worker{
		id:      fmt.Sprintf("sim-%d-%s", index, shortuuid.New()),
		conn:    conn,
		spec:    spec,
		metrics: metrics,
		rand:    random,
		seen:    map[string]bool{},
	}
}

// register announces the worker to the coordinator, retrying until the
// registration is accepted. The coordinator may hand back a different node id
// than the one proposed.
func (w *Worker) register() error {
	request := api.NewRegisterNodeRequest(w.id, api.NodeRoleWorker, "127.0.0.1", 7000+w.rand.Intn(1000), w.spec.Capabilities)
	return retry.Do(
		func() error {
			response, err := w.roundTrip(request)
			if err != nil {
				return err
			}
			accepted, ok := response.(*api.RegisterResponse)
			if !ok {
				return errors.Errorf("unexpected registration response %T", response)
			}
			w.id = accepted.NodeId
			log.Infof("Worker %s registered", w.id)
			return nil
		},
		retry.Attempts(10),
	)
}

func (w *Worker) run(ctx context.Context) {
	heartbeat := time.NewTicker(w.spec.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.spec.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			w.sendHeartbeat(api.NodeReady, 0.05+0.1*w.rand.Float64())
		case <-poll.C:
			if task := w.nextTask(); task != nil {
				w.execute(ctx, task)
			}
		}
	}
}

// nextTask asks the coordinator for the task list and picks the first active
// task assigned to this worker that it has not started yet.
func (w *Worker) nextTask() *api.Task {
	response, err := w.roundTrip(api.NewGetTasksRequest())
	if err != nil {
		w.warn(err, "task poll failed")
		return nil
	}
	tasks, ok := response.(*api.TasksResponse)
	if !ok {
		return nil
	}
	for _, task := range tasks.Tasks {
		if task.AssignedNode == w.id && task.IsActive() && !w.seen[task.Id] {
			return task
		}
	}
	return nil
}

// execute simulates training: it sleeps through the configured task duration
// in report-sized slices, publishing metrics and busy heartbeats after each
// slice, and finally reports the task as completed.
func (w *Worker) execute(ctx context.Context, task *api.Task) {
	w.seen[task.Id] = true
	log.Infof("Worker %s picked up task %s (%s)", w.id, task.Id, task.Algorithm)

	start := time.Now()
	steps := int(numberParameter(task.Parameters, "training_steps", 1000))
	reports := w.spec.MetricsReports
	if reports < 1 {
		reports = 5
	}
	slice := w.spec.TaskDuration / time.Duration(reports)

	for k := 1; k <= reports; k++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(slice):
		}
		progress := float64(k) / float64(reports)
		w.metrics.Publish(api.TrainingMetrics{
			SessionId:     task.SessionId,
			NodeId:        w.id,
			TaskId:        task.Id,
			Step:          int(progress * float64(steps)),
			EpisodeReward: 20 + 180*progress + 10*w.rand.Float64(),
			EpisodeLength: 150 + w.rand.Intn(50),
			Loss:          1.0 / (1.0 + 3.0*progress),
			LearningRate:  numberParameter(task.Parameters, "learning_rate", 0.001),
			Epsilon:       1.0 - 0.9*progress,
			Timestamp:     time.Now(),
		})
		w.sendHeartbeat(api.NodeBusy, 0.55+0.3*w.rand.Float64())
	}

	duration := time.Since(start).Seconds()
	if _, err := w.roundTrip(api.NewTaskResultRequest(task.Id, api.TaskCompleted, duration)); err != nil {
		w.warn(err, fmt.Sprintf("could not report task %s", task.Id))
		return
	}
	log.Infof("Worker %s completed task %s in %.1fs", w.id, task.Id, duration)
}

func (w *Worker) sendHeartbeat(status api.NodeStatus, load float64) {
	if _, err := w.roundTrip(api.NewHeartbeatRequest(w.id, load, status)); err != nil {
		w.warn(err, "heartbeat failed")
	}
}

// roundTrip sends one request and waits for the coordinator's reply.
// An ErrorResponse is surfaced as an error.
func (w *Worker) roundTrip(request api.Request) (api.Response, error) {
	data, err := api.EncodeMessage(request)
	if err != nil {
		return nil, err
	}
	if err := w.conn.WriteMessage(data); err != nil {
		return nil, err
	}
	raw, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	response, err := api.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if failure, ok := response.(*api.ErrorResponse); ok {
		return nil, errors.New(failure.Message)
	}
	return response, nil
}

// warn logs a round trip failure, except for the EOF every worker sees when
// the coordinator closes its channel during shutdown.
func (w *Worker) warn(err error, message string) {
	if errors.Cause(err) == io.EOF {
		return
	}
	log.WithError(err).Warnf("Worker %s: %s", w.id, message)
}

// numberParameter reads a numeric task parameter. Values arrive as float64
// after the JSON round trip over the worker channel.
func numberParameter(parameters map[string]interface{}, key string, def float64) float64 {
	switch value := parameters[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	default:
		return def
	}
}
