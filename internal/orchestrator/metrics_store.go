package orchestrator

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/flotillaproject/flotilla/pkg/api"
)

// MetricsStore keeps the most recent training metrics reported for each
// task. Workers publish into it out of band; session monitors poll it.
// Entries expire after the configured retention so reports from dead tasks
// do not accumulate.
type MetricsStore struct {
	reports *cache.Cache
}

func NewMetricsStore(retention time.Duration) *MetricsStore {
	return &MetricsStore{reports: cache.New(retention, 2*retention)}
}

// Publish records the latest metrics for the task named in the report,
// replacing any previous report for that task.
func (s *MetricsStore) Publish(metrics api.TrainingMetrics) {
	s.reports.Set(metrics.TaskId, &metrics, cache.DefaultExpiration)
}

// Latest returns the most recent report for a task, if one is still fresh.
func (s *MetricsStore) Latest(taskId string) (*api.TrainingMetrics, bool) {
	value, found := s.reports.Get(taskId)
	if !found {
		return nil, false
	}
	metrics := *value.(*api.TrainingMetrics)
	return &metrics, true
}
