package orchestrator

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// earlyStopReward is the episode reward above which a DQN session is
// considered solved.
const earlyStopReward = 500.0

// runMonitor periodically inspects a session until it reaches a terminal
// phase or the orchestrator shuts down. One monitor goroutine runs per
// started session.
func (o *Orchestrator) runMonitor(sessionId string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.monitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if o.monitorTick(sessionId) {
				return
			}
		}
	}
}

// monitorTick refreshes task state and metrics for one session and applies
// the completion rules. It reports true once the session is terminal.
func (o *Orchestrator) monitorTick(sessionId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.active[sessionId]
	if !ok || s.phase != api.SessionTraining {
		return true
	}

	o.refreshTasksLocked(s)
	o.collectMetricsLocked(s)

	if phase, done := o.evaluateLocked(s); done {
		o.completeLocked(s, phase)
		return true
	}
	return false
}

// refreshTasksLocked follows reassignment chains so the session tracks the
// replacement task after the registry moves work off a dead node.
func (o *Orchestrator) refreshTasksLocked(s *session) {
	for i, taskId := range s.taskIds {
		current := taskId
		for {
			task, err := o.registry.TaskById(current)
			if err != nil || task.Status != api.TaskReassigned {
				break
			}
			successor, ok := o.registry.SuccessorOf(current)
			if !ok {
				break
			}
			current = successor.Id
		}
		if current != taskId {
			log.Infof("Session %s now tracking task %s in place of %s", s.id, current, taskId)
			s.taskIds[i] = current
		}
	}
}

// collectMetricsLocked pulls the latest report per task from the metrics
// store and folds it into the session. Reports are deduplicated by their
// timestamp so a task that publishes nothing new between ticks is not
// counted twice.
func (o *Orchestrator) collectMetricsLocked(s *session) {
	for _, taskId := range s.taskIds {
		metrics, ok := o.metrics.Latest(taskId)
		if !ok {
			continue
		}
		if last, seen := s.lastMetricAt[taskId]; seen && !metrics.Timestamp.After(last) {
			continue
		}
		s.lastMetricAt[taskId] = metrics.Timestamp
		s.metricsLog = append(s.metricsLog, *metrics)

		if metrics.Step > s.currentStep {
			s.currentStep = metrics.Step
		}
		if !s.rewardSeen || metrics.EpisodeReward > s.bestReward {
			s.bestReward = metrics.EpisodeReward
			s.rewardSeen = true
		}
	}
}

// evaluateLocked applies the completion rules. Completion is checked before
// timeout, so a session that hits its step target on the tick it would time
// out still counts as completed.
func (o *Orchestrator) evaluateLocked(s *session) (api.SessionPhase, bool) {
	if s.currentStep >= s.config.TrainingSteps {
		log.Infof("Session %s reached its %d step target", s.id, s.config.TrainingSteps)
		return api.SessionCompleted, true
	}
	if len(s.taskIds) > 0 && o.allTasksCompletedLocked(s) {
		log.Infof("Session %s finished: all %d tasks completed", s.id, len(s.taskIds))
		return api.SessionCompleted, true
	}
	if s.config.Algorithm == "dqn" && s.rewardSeen && s.bestReward > earlyStopReward {
		log.Infof("Session %s stopping early at best reward %.1f", s.id, s.bestReward)
		return api.SessionCompleted, true
	}
	if o.clock.Now().Sub(s.startedAt) >= s.config.Timeout {
		log.Warnf("Session %s timed out after %s", s.id, s.config.Timeout)
		return api.SessionFailed, true
	}
	return "", false
}

func (o *Orchestrator) allTasksCompletedLocked(s *session) bool {
	for _, taskId := range s.taskIds {
		task, err := o.registry.TaskById(taskId)
		if err != nil || task.Status != api.TaskCompleted {
			return false
		}
	}
	return true
}
