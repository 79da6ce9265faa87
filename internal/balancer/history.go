package balancer

import (
	"math"

	"github.com/flotillaproject/flotilla/pkg/api"
)

const (
	loadWindowSize       = 100
	responseWindowSize   = 50
	throughputWindowSize = 50
	completionWindowSize = 30

	// defaultPredictedCompletionSeconds is assumed for nodes with no
	// completion history yet.
	defaultPredictedCompletionSeconds = 300.0
)

// performanceHistory holds the rolling per-node sample windows consulted by
// the placement strategies. Oldest samples are evicted first.
type performanceHistory struct {
	loadSamples     []float64
	responseTimes   []float64
	throughput      []float64
	completionTimes []float64
	lastMetrics     *api.LoadMetrics
}

func newPerformanceHistory() *performanceHistory {
	return &performanceHistory{}
}

func (h *performanceHistory) addLoadSample(load float64) {
	h.loadSamples = appendBounded(h.loadSamples, load, loadWindowSize)
}

func (h *performanceHistory) addLoadMetrics(metrics api.LoadMetrics) {
	h.lastMetrics = &metrics
	h.addLoadSample(metrics.CompositeLoad())
	if metrics.ResponseTime > 0 {
		h.responseTimes = appendBounded(h.responseTimes, metrics.ResponseTime, responseWindowSize)
	}
	if metrics.Throughput > 0 {
		h.throughput = appendBounded(h.throughput, metrics.Throughput, throughputWindowSize)
	}
}

func (h *performanceHistory) addCompletionTime(seconds float64) {
	h.completionTimes = appendBounded(h.completionTimes, seconds, completionWindowSize)
}

func (h *performanceHistory) averageLoad() float64 {
	return mean(h.loadSamples)
}

func (h *performanceHistory) averageResponseTime() float64 {
	return mean(h.responseTimes)
}

func (h *performanceHistory) averageThroughput() float64 {
	return mean(h.throughput)
}

// predictCompletionTime estimates how long a task of the given complexity
// would take on this node, padding the estimate by half a standard deviation
// so that erratic nodes look slower than their mean alone suggests.
func (h *performanceHistory) predictCompletionTime(taskComplexity float64) float64 {
	if len(h.completionTimes) == 0 {
		return defaultPredictedCompletionSeconds
	}
	return mean(h.completionTimes)*taskComplexity + 0.5*stddev(h.completionTimes)
}

func appendBounded(window []float64, value float64, size int) []float64 {
	window = append(window, value)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the sample standard deviation; zero for fewer than two samples.
func stddev(values []float64) float64 {
	return math.Sqrt(variance(values))
}

// variance is the sample variance; zero for fewer than two samples.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values)-1)
}
