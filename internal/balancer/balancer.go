// Package balancer picks the node a task should run on. It keeps rolling
// per-node performance history and periodically re-evaluates its own
// placement quality, switching strategy when assignments degrade.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/pkg/api"
)

type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastLoaded        Strategy = "least_loaded"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyPredictive         Strategy = "predictive"
	StrategyAdaptive           Strategy = "adaptive"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyWeightedRoundRobin, StrategyPredictive, StrategyAdaptive:
		return Strategy(s), nil
	}
	return "", errors.Errorf("unknown load balancing strategy %q", s)
}

// TaskHint carries what is known about the work being placed.
type TaskHint struct {
	Algorithm  string
	Parameters map[string]interface{}
}

type assignmentRecord struct {
	timestamp    time.Time
	nodeId       string
	strategy     Strategy
	success      bool
	responseTime float64
}

// LoadBalancer is safe for concurrent use.
type LoadBalancer struct {
	mu        sync.Mutex
	strategy  Strategy
	rrCounter int
	history   map[string]*performanceHistory
	// assignments keeps recent assignment outcomes for self-tuning;
	// entries older than retention are dropped by TunePerformance.
	assignments []assignmentRecord
	retention   time.Duration
	clock       util.Clock
	rand        *rand.Rand

	totalAssignments      int
	successfulAssignments int
	failedAssignments     int
	strategySwitches      int
	selectionsByStrategy  map[Strategy]int
}

func NewLoadBalancer(strategy Strategy, retention time.Duration, clock util.Clock) *LoadBalancer {
	return &LoadBalancer{
		strategy:             strategy,
		history:              map[string]*performanceHistory{},
		retention:            retention,
		clock:                clock,
		rand:                 util.NewThreadsafeRand(time.Now().UnixNano()),
		selectionsByStrategy: map[Strategy]int{},
	}
}

// Select picks one of candidates for the hinted task. It returns
// ErrNoAvailableNodes for an empty candidate set and never fails otherwise:
// if the active strategy cannot produce a node, selection falls back to
// round-robin over the same candidates.
func (b *LoadBalancer) Select(candidates []*api.Node, hint TaskHint) (*api.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(candidates) == 0 {
		b.failedAssignments++
		return nil, &flotillaerrors.ErrNoAvailableNodes{Algorithm: hint.Algorithm}
	}

	strategy := b.strategy
	if strategy == StrategyAdaptive {
		strategy = b.chooseAdaptiveStrategy(candidates)
	}

	node := b.selectWith(strategy, candidates, hint)
	if node == nil {
		log.Warnf("Strategy %s produced no node for %d candidates; falling back to round robin", strategy, len(candidates))
		strategy = StrategyRoundRobin
		node = b.selectRoundRobin(candidates)
	}

	b.totalAssignments++
	b.selectionsByStrategy[strategy]++
	return node, nil
}

func (b *LoadBalancer) selectWith(strategy Strategy, candidates []*api.Node, hint TaskHint) *api.Node {
	switch strategy {
	case StrategyRoundRobin:
		return b.selectRoundRobin(candidates)
	case StrategyLeastLoaded:
		return b.selectLeastLoaded(candidates)
	case StrategyWeightedRoundRobin:
		return b.selectWeightedRoundRobin(candidates)
	case StrategyPredictive:
		return b.selectPredictive(candidates, hint)
	}
	return nil
}

func (b *LoadBalancer) selectRoundRobin(candidates []*api.Node) *api.Node {
	node := candidates[b.rrCounter%len(candidates)]
	b.rrCounter++
	return node
}

func (b *LoadBalancer) selectLeastLoaded(candidates []*api.Node) *api.Node {
	best := candidates[0]
	bestLoad := b.compositeLoad(best)
	for _, node := range candidates[1:] {
		load := b.compositeLoad(node)
		if load < bestLoad || (load == bestLoad && node.Id < best.Id) {
			best = node
			bestLoad = load
		}
	}
	return best
}

// selectWeightedRoundRobin draws a node at random with probability
// proportional to its hardware weight.
func (b *LoadBalancer) selectWeightedRoundRobin(candidates []*api.Node) *api.Node {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, node := range candidates {
		weights[i] = nodeWeight(node)
		total += weights[i]
	}
	if total <= 0 {
		return nil
	}
	draw := b.rand.Float64() * total
	acc := 0.0
	for i, node := range candidates {
		acc += weights[i]
		if draw <= acc {
			return node
		}
	}
	return candidates[len(candidates)-1]
}

func (b *LoadBalancer) selectPredictive(candidates []*api.Node, hint TaskHint) *api.Node {
	complexity := estimateTaskComplexity(hint)
	best := candidates[0]
	bestScore := b.predictiveScore(best, complexity)
	for _, node := range candidates[1:] {
		score := b.predictiveScore(node, complexity)
		if score < bestScore || (score == bestScore && node.Id < best.Id) {
			best = node
			bestScore = score
		}
	}
	return best
}

func (b *LoadBalancer) predictiveScore(node *api.Node, complexity float64) float64 {
	predicted := defaultPredictedCompletionSeconds
	if history, ok := b.history[node.Id]; ok {
		predicted = history.predictCompletionTime(complexity)
	}
	return predicted * (1 + b.compositeLoad(node))
}

// chooseAdaptiveStrategy inspects the candidate set and delegates to the
// strategy suited to its current shape.
func (b *LoadBalancer) chooseAdaptiveStrategy(candidates []*api.Node) Strategy {
	if len(candidates) <= 2 {
		return StrategyRoundRobin
	}
	loads := make([]float64, len(candidates))
	for i, node := range candidates {
		loads[i] = b.compositeLoad(node)
	}
	if mean(loads) > 0.8 {
		return StrategyLeastLoaded
	}
	if variance(loads) > 0.3 {
		return StrategyPredictive
	}
	return StrategyWeightedRoundRobin
}

// compositeLoad prefers the node's most recent detailed utilisation report
// and falls back to the scalar load carried by heartbeats.
func (b *LoadBalancer) compositeLoad(node *api.Node) float64 {
	if history, ok := b.history[node.Id]; ok && history.lastMetrics != nil {
		return history.lastMetrics.CompositeLoad()
	}
	return node.CurrentLoad
}

func nodeWeight(node *api.Node) float64 {
	capabilities := node.Capabilities
	return float64(capabilities.CpuCores) *
		(1 + 0.5*float64(capabilities.GpuCount)) *
		(capabilities.MemoryGb / 8.0)
}

func estimateTaskComplexity(hint TaskHint) float64 {
	base := 1.0
	switch hint.Algorithm {
	case "dqn":
		base = 1.0
	case "ppo":
		base = 1.2
	case "sac":
		base = 1.5
	case "a3c":
		base = 1.8
	}
	episodes := numberOrDefault(hint.Parameters, "episodes", 100)
	batchSize := numberOrDefault(hint.Parameters, "batch_size", 32)
	return base * (episodes / 100.0) * (batchSize / 32.0)
}

// numberOrDefault reads a numeric parameter that may have arrived as any
// JSON number representation.
func numberOrDefault(parameters map[string]interface{}, key string, def float64) float64 {
	value, ok := parameters[key]
	if !ok {
		return def
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// RecordLoadSample feeds a scalar load report (a heartbeat) into the node's
// sample window.
func (b *LoadBalancer) RecordLoadSample(nodeId string, load float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyFor(nodeId).addLoadSample(load)
}

// RecordLoadMetrics feeds a full utilisation report into the node's windows.
func (b *LoadBalancer) RecordLoadMetrics(nodeId string, metrics api.LoadMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyFor(nodeId).addLoadMetrics(metrics)
}

// RecordTaskCompletion reports the outcome of a task previously placed on
// nodeId. Successful durations feed the completion window consulted by the
// predictive strategy; all outcomes feed self-tuning.
func (b *LoadBalancer) RecordTaskCompletion(nodeId string, durationSeconds float64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.successfulAssignments++
		b.historyFor(nodeId).addCompletionTime(durationSeconds)
	} else {
		b.failedAssignments++
	}
	b.assignments = append(b.assignments, assignmentRecord{
		timestamp:    b.clock.Now(),
		nodeId:       nodeId,
		strategy:     b.strategy,
		success:      success,
		responseTime: durationSeconds,
	})
}

func (b *LoadBalancer) historyFor(nodeId string) *performanceHistory {
	history, ok := b.history[nodeId]
	if !ok {
		history = newPerformanceHistory()
		b.history[nodeId] = history
	}
	return history
}

// Strategy returns the currently active strategy.
func (b *LoadBalancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// SetStrategy overrides the active strategy, e.g. from an operator action.
func (b *LoadBalancer) SetStrategy(strategy Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strategy != b.strategy {
		log.Infof("Load balancing strategy set to %s", strategy)
		b.strategySwitches++
		b.strategy = strategy
	}
}

type Stats struct {
	Strategy              Strategy
	TotalAssignments      int
	SuccessfulAssignments int
	FailedAssignments     int
	StrategySwitches      int
	SelectionsByStrategy  map[Strategy]int
	RecentPerformance     float64
}

func (b *LoadBalancer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	selections := make(map[Strategy]int, len(b.selectionsByStrategy))
	for strategy, count := range b.selectionsByStrategy {
		selections[strategy] = count
	}
	return Stats{
		Strategy:              b.strategy,
		TotalAssignments:      b.totalAssignments,
		SuccessfulAssignments: b.successfulAssignments,
		FailedAssignments:     b.failedAssignments,
		StrategySwitches:      b.strategySwitches,
		SelectionsByStrategy:  selections,
		RecentPerformance:     b.recentPerformance(),
	}
}

// NodeAverages returns per-node average load, response time and throughput,
// keyed by node id.
func (b *LoadBalancer) NodeAverages() map[string]api.LoadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	averages := make(map[string]api.LoadMetrics, len(b.history))
	for nodeId, history := range b.history {
		averages[nodeId] = api.LoadMetrics{
			CpuUsage:     history.averageLoad(),
			ResponseTime: history.averageResponseTime(),
			Throughput:   history.averageThroughput(),
		}
	}
	return averages
}

func sortedNodeIds(history map[string]*performanceHistory) []string {
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
