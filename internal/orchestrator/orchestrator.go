// Package orchestrator drives distributed training sessions end to end: it
// validates training configurations, claims nodes from the registry, lays a
// task graph out over the claim and watches progress until the session
// reaches a terminal phase.
//
// All session state lives behind a single mutex. Per-session monitor
// goroutines take the orchestrator lock before calling into the registry,
// never the other way round, so the two components cannot deadlock. Terminal
// phase transitions are decided under the lock, which guarantees cleanup
// runs exactly once per session no matter whether the monitor, Cancel or a
// failed Start triggers it.
package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/pkg/api"
)

// Registry is the slice of fleet behaviour the orchestrator drives. It is
// satisfied by *registry.NodeRegistry.
type Registry interface {
	AllocateNodes(sessionId string, algorithm string, minNodes int, maxNodes int) ([]string, error)
	ReleaseNodes(sessionId string)
	DispatchTask(task *api.Task) error
	CancelTask(taskId string) error
	TaskById(taskId string) (*api.Task, error)
	SuccessorOf(taskId string) (*api.Task, bool)
}

type Orchestrator struct {
	mu       sync.Mutex
	registry Registry
	metrics  *MetricsStore
	clock    util.Clock

	monitoringInterval time.Duration
	checkpointDir      string
	defaultTimeout     time.Duration

	// sessions holds every session ever created; active holds the subset
	// between Start and their terminal transition.
	sessions map[string]*session
	active   map[string]*session

	totalSessions        int
	sessionsCompleted    int
	sessionsFailed       int
	sessionsCancelled    int
	totalTrainingSeconds float64
	startTime            time.Time
}

// session is the orchestrator's private record of one training session.
// Access is guarded by Orchestrator.mu.
type session struct {
	id            string
	config        *api.TrainingConfig
	phase         api.SessionPhase
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
	assignedNodes []string
	taskIds       []string

	currentStep int
	bestReward  float64
	// rewardSeen distinguishes "no reward reported yet" from a genuine
	// best reward of zero.
	rewardSeen   bool
	metricsLog   []api.TrainingMetrics
	lastMetricAt map[string]time.Time

	lastCheckpoint string
	stopMonitor    chan struct{}
}

// SessionStatus is a point-in-time copy of a session, safe to hand out.
type SessionStatus struct {
	Id             string              `json:"session_id"`
	Phase          api.SessionPhase    `json:"phase"`
	Config         *api.TrainingConfig `json:"config"`
	AssignedNodes  []string            `json:"assigned_nodes,omitempty"`
	TaskIds        []string            `json:"task_ids,omitempty"`
	CurrentStep    int                 `json:"current_step"`
	BestReward     float64             `json:"best_reward"`
	MetricsCount   int                 `json:"metrics_count"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    time.Time           `json:"completed_at"`
	LastCheckpoint string              `json:"last_checkpoint,omitempty"`
}

func NewOrchestrator(
	registry Registry,
	metrics *MetricsStore,
	config configuration.OrchestratorConfig,
	clock util.Clock,
) *Orchestrator {
	return &Orchestrator{
		registry:           registry,
		metrics:            metrics,
		clock:              clock,
		monitoringInterval: config.MonitoringInterval,
		checkpointDir:      config.CheckpointDir,
		defaultTimeout:     config.DefaultSessionTimeout,
		sessions:           map[string]*session{},
		active:             map[string]*session{},
		startTime:          clock.Now(),
	}
}

// Create registers a new training session in the initializing phase. The
// configuration is not validated here: validation happens on Start, so a
// misconfigured session can still be inspected and cancelled. Create has no
// registry side effects.
func (o *Orchestrator) Create(config *api.TrainingConfig) (string, error) {
	if config == nil {
		return "", &flotillaerrors.ErrInvalidConfiguration{Message: "training config is required"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	copied := config.DeepCopy()
	if copied.TopologyMode == "" {
		copied.TopologyMode = api.TopologySingleNode
	}
	if copied.Timeout <= 0 {
		copied.Timeout = o.defaultTimeout
	}

	s := &session{
		id:           "session-" + uuid.New().String(),
		config:       copied,
		phase:        api.SessionInitializing,
		createdAt:    o.clock.Now(),
		lastMetricAt: map[string]time.Time{},
	}
	o.sessions[s.id] = s
	o.totalSessions++

	log.Infof("Created training session %s (%s on %s)", s.id, copied.Algorithm, copied.Environment)
	return s.id, nil
}

// Start moves an initializing session through node allocation and task
// dispatch into the training phase, then spawns its monitor.
//
// The configuration is validated before any node is claimed: a rejected
// session stays in the initializing phase and leaves the fleet untouched.
// Allocation and dispatch failures fail the session and run the same cleanup
// as any other terminal transition.
func (o *Orchestrator) Start(sessionId string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionId]
	if !ok {
		return &flotillaerrors.ErrSessionNotFound{SessionId: sessionId}
	}
	if s.phase != api.SessionInitializing {
		return &flotillaerrors.ErrInvalidPhase{
			SessionId: sessionId,
			Current:   string(s.phase),
			Expected:  string(api.SessionInitializing),
		}
	}
	if err := validateTrainingConfig(s.config); err != nil {
		return err
	}
	s.config.Algorithm = strings.ToLower(s.config.Algorithm)

	s.phase = api.SessionPreparing
	o.active[sessionId] = s

	nodes, err := o.registry.AllocateNodes(sessionId, s.config.Algorithm, s.config.MinNodes, s.config.MaxNodes)
	if err != nil {
		log.WithError(err).Errorf("Node allocation failed for session %s", sessionId)
		o.completeLocked(s, api.SessionFailed)
		return err
	}
	s.assignedNodes = nodes
	s.startedAt = o.clock.Now()

	tasks := buildTaskGraph(s, s.startedAt)
	s.phase = api.SessionTraining
	for _, task := range tasks {
		if err := o.registry.DispatchTask(task); err != nil {
			log.WithError(err).Errorf("Failed to dispatch task %s for session %s", task.Id, sessionId)
			o.completeLocked(s, api.SessionFailed)
			return err
		}
		s.taskIds = append(s.taskIds, task.Id)
	}

	s.stopMonitor = make(chan struct{})
	go o.runMonitor(sessionId, s.stopMonitor)

	log.Infof("Session %s training: %d tasks across %d nodes", sessionId, len(tasks), len(nodes))
	return nil
}

// Cancel terminates a session from any non-terminal phase.
func (o *Orchestrator) Cancel(sessionId string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionId]
	if !ok {
		return &flotillaerrors.ErrSessionNotFound{SessionId: sessionId}
	}
	if s.phase.IsTerminal() {
		return &flotillaerrors.ErrInvalidPhase{
			SessionId: sessionId,
			Current:   string(s.phase),
			Expected:  "any non-terminal phase",
		}
	}
	o.completeLocked(s, api.SessionCancelled)
	return nil
}

// Stop cancels every active session. Called once during shutdown.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	ids := maps.Keys(o.active)
	o.mu.Unlock()
	slices.Sort(ids)

	for _, sessionId := range ids {
		if err := o.Cancel(sessionId); err != nil {
			// A session may reach a terminal phase on its own between the
			// snapshot above and the Cancel call.
			log.WithError(err).Debugf("Session %s was not cancelled during shutdown", sessionId)
		}
	}
}

// completeLocked moves a session into a terminal phase, updates counters and
// runs cleanup. Callers must hold o.mu and must have verified the session is
// not already terminal.
func (o *Orchestrator) completeLocked(s *session, phase api.SessionPhase) {
	s.phase = phase
	s.completedAt = o.clock.Now()

	switch phase {
	case api.SessionCompleted:
		o.sessionsCompleted++
		if !s.startedAt.IsZero() {
			o.totalTrainingSeconds += s.completedAt.Sub(s.startedAt).Seconds()
		}
	case api.SessionFailed:
		o.sessionsFailed++
	case api.SessionCancelled:
		o.sessionsCancelled++
	}

	o.cleanupLocked(s)
	log.Infof("Session %s finished in phase %s", s.id, phase)
}

// cleanupLocked releases everything a terminal session holds. The checkpoint
// is written first, while the final phase and metric log are intact, then
// node claims are released, still-active tasks cancelled and the session
// dropped from the active index.
func (o *Orchestrator) cleanupLocked(s *session) {
	if path, err := writeCheckpoint(o.checkpointDir, o.statusLocked(s), slices.Clone(s.metricsLog)); err != nil {
		log.WithError(err).Errorf("Failed to write checkpoint for session %s", s.id)
	} else {
		s.lastCheckpoint = path
	}

	o.registry.ReleaseNodes(s.id)

	for _, taskId := range s.taskIds {
		task, err := o.registry.TaskById(taskId)
		if err != nil || task.Status.IsTerminal() {
			continue
		}
		if err := o.registry.CancelTask(taskId); err != nil {
			log.WithError(err).Warnf("Failed to cancel task %s while cleaning up session %s", taskId, s.id)
		}
	}

	delete(o.active, s.id)
	if s.stopMonitor != nil {
		close(s.stopMonitor)
		s.stopMonitor = nil
	}
}

// SessionStatus returns a point-in-time view of one session.
func (o *Orchestrator) SessionStatus(sessionId string) (SessionStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionId]
	if !ok {
		return SessionStatus{}, &flotillaerrors.ErrSessionNotFound{SessionId: sessionId}
	}
	return o.statusLocked(s), nil
}

// SessionMetrics returns the metric log collected for a session, oldest first.
func (o *Orchestrator) SessionMetrics(sessionId string) ([]api.TrainingMetrics, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionId]
	if !ok {
		return nil, &flotillaerrors.ErrSessionNotFound{SessionId: sessionId}
	}
	return slices.Clone(s.metricsLog), nil
}

// Sessions returns every known session ordered by creation time.
func (o *Orchestrator) Sessions() []SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewsLocked(o.sessions)
}

// ActiveSessions returns the sessions that have started but not yet reached
// a terminal phase.
func (o *Orchestrator) ActiveSessions() []SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewsLocked(o.active)
}

func (o *Orchestrator) viewsLocked(sessions map[string]*session) []SessionStatus {
	views := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, o.statusLocked(s))
	}
	slices.SortFunc(views, func(a, b SessionStatus) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Id < b.Id
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return views
}

func (o *Orchestrator) statusLocked(s *session) SessionStatus {
	bestReward := 0.0
	if s.rewardSeen {
		bestReward = s.bestReward
	}
	return SessionStatus{
		Id:             s.id,
		Phase:          s.phase,
		Config:         s.config.DeepCopy(),
		AssignedNodes:  slices.Clone(s.assignedNodes),
		TaskIds:        slices.Clone(s.taskIds),
		CurrentStep:    s.currentStep,
		BestReward:     bestReward,
		MetricsCount:   len(s.metricsLog),
		CreatedAt:      s.createdAt,
		StartedAt:      s.startedAt,
		CompletedAt:    s.completedAt,
		LastCheckpoint: s.lastCheckpoint,
	}
}

type Stats struct {
	TotalSessions          int
	ActiveSessions         int
	SessionsCompleted      int
	SessionsFailed         int
	SessionsCancelled      int
	AverageTrainingSeconds float64
	UptimeSeconds          float64
}

func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := Stats{
		TotalSessions:     o.totalSessions,
		ActiveSessions:    len(o.active),
		SessionsCompleted: o.sessionsCompleted,
		SessionsFailed:    o.sessionsFailed,
		SessionsCancelled: o.sessionsCancelled,
		UptimeSeconds:     o.clock.Now().Sub(o.startTime).Seconds(),
	}
	if o.sessionsCompleted > 0 {
		stats.AverageTrainingSeconds = o.totalTrainingSeconds / float64(o.sessionsCompleted)
	}
	return stats
}
