package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// BackgroundTaskManager runs registered functions periodically until stopped.
// It is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	metricsPrefix string
	stops         []chan struct{}
	running       sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{metricsPrefix: metricsPrefix}
}

// Register runs loop immediately and then every interval until StopAll is
// called. Each run's latency is observed on a histogram named after metricName.
func (m *BackgroundTaskManager) Register(loop func(), interval time.Duration, metricName string) {
	latency := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	stop := make(chan struct{})
	m.stops = append(m.stops, stop)
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			loop()
			latency.Observe(time.Since(start).Seconds())

			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

// StopAll stops all registered loops, waiting up to timeout for iterations
// already underway to finish. It returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, stop := range m.stops {
		close(stop)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.running.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		log.Warnf("Background tasks did not stop within %s", timeout)
		return true
	}
}
