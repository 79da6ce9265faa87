package balancer

import (
	"math"

	log "github.com/sirupsen/logrus"
)

const (
	// minRecordsForTuning is how many assignment outcomes must exist before
	// the tuner trusts the performance score.
	minRecordsForTuning  = 10
	performanceThreshold = 0.7
	recentWindow         = 20
	// responseTimeCeiling caps how much a slow response can hurt the score.
	responseTimeCeiling     = 10.0
	anomalousResponseFactor = 2.0
)

var strategyRotation = map[Strategy]Strategy{
	StrategyLeastLoaded:        StrategyPredictive,
	StrategyPredictive:         StrategyWeightedRoundRobin,
	StrategyWeightedRoundRobin: StrategyRoundRobin,
	StrategyRoundRobin:         StrategyLeastLoaded,
}

// TunePerformance drops expired assignment records, rotates the strategy if
// recent placements degraded, and flags nodes responding far slower than the
// fleet. Registered as a periodic background task.
func (b *LoadBalancer) TunePerformance() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanupAssignments()

	if len(b.assignments) >= minRecordsForTuning && b.strategy != StrategyAdaptive {
		performance := b.recentPerformance()
		if performance < performanceThreshold {
			if next, ok := strategyRotation[b.strategy]; ok {
				log.Infof("Placement performance %.2f below %.2f; switching strategy from %s to %s",
					performance, performanceThreshold, b.strategy, next)
				b.strategy = next
				b.strategySwitches++
			}
		}
	}

	b.warnAnomalousNodes()
}

// recentPerformance scores the last assignments: 70% weighted on success
// rate, 30% on how far average response time stays below the ceiling.
// Callers must hold b.mu.
func (b *LoadBalancer) recentPerformance() float64 {
	if len(b.assignments) == 0 {
		return 1.0
	}
	recent := b.assignments
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	succeeded := 0
	totalResponse := 0.0
	for _, record := range recent {
		if record.success {
			succeeded++
		}
		totalResponse += record.responseTime
	}
	successRate := float64(succeeded) / float64(len(recent))
	averageResponse := totalResponse / float64(len(recent))
	responseScore := 1 - math.Min(averageResponse/responseTimeCeiling, 1)
	return 0.7*successRate + 0.3*responseScore
}

func (b *LoadBalancer) cleanupAssignments() {
	if b.retention <= 0 {
		return
	}
	cutoff := b.clock.Now().Add(-b.retention)
	kept := make([]assignmentRecord, 0, len(b.assignments))
	for _, record := range b.assignments {
		if record.timestamp.After(cutoff) {
			kept = append(kept, record)
		}
	}
	b.assignments = kept
}

func (b *LoadBalancer) warnAnomalousNodes() {
	var averages []float64
	for _, history := range b.history {
		if avg := history.averageResponseTime(); avg > 0 {
			averages = append(averages, avg)
		}
	}
	if len(averages) < 2 {
		return
	}
	fleetAverage := mean(averages)
	if fleetAverage <= 0 {
		return
	}
	for _, nodeId := range sortedNodeIds(b.history) {
		if avg := b.history[nodeId].averageResponseTime(); avg > anomalousResponseFactor*fleetAverage {
			log.Warnf("Node %s average response time %.2fs exceeds %.0fx the fleet average %.2fs",
				nodeId, avg, anomalousResponseFactor, fleetAverage)
		}
	}
}
