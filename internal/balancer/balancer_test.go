package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/common/util"
	"github.com/flotillaproject/flotilla/pkg/api"
)

func TestSelect_EmptyCandidates(t *testing.T) {
	b := newTestBalancer(StrategyRoundRobin)

	_, err := b.Select(nil, TaskHint{Algorithm: "dqn"})
	require.Error(t, err)

	var noNodes *flotillaerrors.ErrNoAvailableNodes
	require.ErrorAs(t, err, &noNodes)
	assert.Equal(t, "dqn", noNodes.Algorithm)
}

func TestSelect_RoundRobinIsFair(t *testing.T) {
	b := newTestBalancer(StrategyRoundRobin)
	candidates := []*api.Node{
		makeNode("node-a", 0.1),
		makeNode("node-b", 0.5),
		makeNode("node-c", 0.9),
	}

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		node, err := b.Select(candidates, TaskHint{})
		require.NoError(t, err)
		counts[node.Id]++
	}

	assert.Equal(t, 10, counts["node-a"])
	assert.Equal(t, 10, counts["node-b"])
	assert.Equal(t, 10, counts["node-c"])
}

func TestSelect_LeastLoadedPicksSmallestCompositeLoad(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	candidates := []*api.Node{
		makeNode("node-a", 0.8),
		makeNode("node-b", 0.2),
		makeNode("node-c", 0.5),
	}

	node, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Id)
}

func TestSelect_LeastLoadedBreaksTiesByNodeId(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	candidates := []*api.Node{
		makeNode("node-c", 0.5),
		makeNode("node-a", 0.5),
		makeNode("node-b", 0.5),
	}

	node, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	assert.Equal(t, "node-a", node.Id)
}

func TestSelect_LeastLoadedPrefersDetailedMetrics(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	// node-a heartbeats a low scalar load but its detailed report says otherwise.
	b.RecordLoadMetrics("node-a", api.LoadMetrics{CpuUsage: 1.0, GpuUsage: 1.0, MemoryUsage: 1.0, NetworkIO: 1.0, DiskIO: 1.0})
	candidates := []*api.Node{
		makeNode("node-a", 0.1),
		makeNode("node-b", 0.5),
	}

	node, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Id)
}

func TestSelect_WeightedRoundRobinFavoursBiggerNodes(t *testing.T) {
	b := newTestBalancer(StrategyWeightedRoundRobin)
	small := makeNode("node-small", 0.5)
	small.Capabilities = api.NodeCapabilities{CpuCores: 2, GpuCount: 0, MemoryGb: 8}
	big := makeNode("node-big", 0.5)
	big.Capabilities = api.NodeCapabilities{CpuCores: 16, GpuCount: 4, MemoryGb: 64}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		node, err := b.Select([]*api.Node{small, big}, TaskHint{})
		require.NoError(t, err)
		counts[node.Id]++
	}

	// Weights are 2 vs 384, so the big node should win nearly every draw.
	assert.Greater(t, counts["node-big"], 900)
}

func TestSelect_WeightedRoundRobinFallsBackOnZeroWeights(t *testing.T) {
	b := newTestBalancer(StrategyWeightedRoundRobin)
	// Nodes that never reported hardware have zero weight.
	candidates := []*api.Node{makeNode("node-a", 0.5), makeNode("node-b", 0.5)}

	node, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	assert.NotNil(t, node)
}

func TestSelect_PredictivePrefersFastHistory(t *testing.T) {
	b := newTestBalancer(StrategyPredictive)
	// node-fast completed recent tasks in ~10s; node-new has no history and
	// is assumed to take the 300s default.
	for i := 0; i < 5; i++ {
		b.RecordTaskCompletion("node-fast", 10, true)
	}
	candidates := []*api.Node{makeNode("node-new", 0.1), makeNode("node-fast", 0.1)}

	node, err := b.Select(candidates, TaskHint{Algorithm: "dqn"})
	require.NoError(t, err)
	assert.Equal(t, "node-fast", node.Id)
}

func TestSelect_AdaptiveUnderHighLoadActsLeastLoaded(t *testing.T) {
	b := newTestBalancer(StrategyAdaptive)
	candidates := []*api.Node{
		makeNode("node-a", 0.95),
		makeNode("node-b", 0.85),
		makeNode("node-c", 0.92),
		makeNode("node-d", 0.88),
		makeNode("node-e", 0.90),
	}

	node, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.Id)
}

func TestSelect_AdaptiveWithFewCandidatesActsRoundRobin(t *testing.T) {
	b := newTestBalancer(StrategyAdaptive)
	candidates := []*api.Node{makeNode("node-a", 0.9), makeNode("node-b", 0.1)}

	first, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)
	second, err := b.Select(candidates, TaskHint{})
	require.NoError(t, err)

	assert.NotEqual(t, first.Id, second.Id)
}

func TestTunePerformance_RotatesStrategyWhenDegraded(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	for i := 0; i < 15; i++ {
		b.RecordTaskCompletion("node-a", 30, false)
	}

	b.TunePerformance()

	assert.Equal(t, StrategyPredictive, b.Strategy())
	assert.Equal(t, 1, b.GetStats().StrategySwitches)
}

func TestTunePerformance_KeepsStrategyWhenHealthy(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	for i := 0; i < 15; i++ {
		b.RecordTaskCompletion("node-a", 1, true)
	}

	b.TunePerformance()

	assert.Equal(t, StrategyLeastLoaded, b.Strategy())
}

func TestTunePerformance_SkipsWithTooFewRecords(t *testing.T) {
	b := newTestBalancer(StrategyLeastLoaded)
	for i := 0; i < 5; i++ {
		b.RecordTaskCompletion("node-a", 30, false)
	}

	b.TunePerformance()

	assert.Equal(t, StrategyLeastLoaded, b.Strategy())
}

func TestTunePerformance_DropsExpiredRecords(t *testing.T) {
	clock := &util.DummyClock{T: time.Now()}
	b := NewLoadBalancer(StrategyLeastLoaded, time.Hour, clock)
	for i := 0; i < 15; i++ {
		b.RecordTaskCompletion("node-a", 30, false)
	}

	clock.Advance(2 * time.Hour)
	b.TunePerformance()

	// All records expired, so the degraded score never got evaluated.
	assert.Equal(t, StrategyLeastLoaded, b.Strategy())
	assert.Empty(t, b.assignments)
}

func TestEstimateTaskComplexity(t *testing.T) {
	assert.InDelta(t, 1.0, estimateTaskComplexity(TaskHint{Algorithm: "dqn"}), 1e-9)
	assert.InDelta(t, 1.2, estimateTaskComplexity(TaskHint{Algorithm: "ppo"}), 1e-9)
	assert.InDelta(t, 1.0, estimateTaskComplexity(TaskHint{Algorithm: "unknown"}), 1e-9)

	hint := TaskHint{
		Algorithm:  "sac",
		Parameters: map[string]interface{}{"episodes": 200.0, "batch_size": 64.0},
	}
	assert.InDelta(t, 6.0, estimateTaskComplexity(hint), 1e-9)
}

func TestPredictCompletionTime(t *testing.T) {
	history := newPerformanceHistory()
	assert.InDelta(t, 300.0, history.predictCompletionTime(1.0), 1e-9)

	history.addCompletionTime(10)
	history.addCompletionTime(20)
	// mean 15, sample stddev ~7.071
	assert.InDelta(t, 15.0+0.5*7.0710678, history.predictCompletionTime(1.0), 1e-3)
	assert.InDelta(t, 30.0+0.5*7.0710678, history.predictCompletionTime(2.0), 1e-3)
}

func TestPerformanceHistoryWindowsAreBounded(t *testing.T) {
	history := newPerformanceHistory()
	for i := 0; i < loadWindowSize+50; i++ {
		history.addLoadSample(float64(i))
	}
	assert.Len(t, history.loadSamples, loadWindowSize)
	// Oldest samples were evicted first.
	assert.Equal(t, 50.0, history.loadSamples[0])
}

func newTestBalancer(strategy Strategy) *LoadBalancer {
	return NewLoadBalancer(strategy, time.Hour, &util.DefaultClock{})
}

func makeNode(id string, load float64) *api.Node {
	return &api.Node{
		Id:          id,
		Role:        api.NodeRoleWorker,
		Status:      api.NodeReady,
		CurrentLoad: load,
	}
}
