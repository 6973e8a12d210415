package dispatch

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/cloudrpa/fleet/internal/domain"
)

// Strategy names a robot selection algorithm.
// Value object - immutable string enum.
type Strategy string

const (
	// StrategyRoundRobin cycles through eligible robots in id order.
	StrategyRoundRobin Strategy = "ROUND_ROBIN"

	// StrategyLeastLoaded picks the robot with the lowest load ratio.
	StrategyLeastLoaded Strategy = "LEAST_LOADED"

	// StrategyRandom picks uniformly among eligible robots.
	StrategyRandom Strategy = "RANDOM"

	// StrategyAffinity prefers the robot that last completed the job's
	// workflow, falling back to LEAST_LOADED.
	StrategyAffinity Strategy = "AFFINITY"
)

// ParseStrategy validates a strategy name. An empty string defaults to
// ROUND_ROBIN.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyRoundRobin, nil
	}

	strategy := Strategy(strings.ToUpper(s))

	switch strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyAffinity:
		return strategy, nil
	default:
		return "", fmt.Errorf("unknown dispatch strategy %q", s)
	}
}

// pickLocked applies the configured strategy to a non-empty candidate list
// sorted by id. Caller holds the lock.
func (d *Dispatcher) pickLocked(job *domain.Job, candidates []*domain.Robot) *domain.Robot {
	switch d.strategy {
	case StrategyLeastLoaded:
		return leastLoaded(candidates)
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))]
	case StrategyAffinity:
		if preferred := d.affinity[job.WorkflowID]; preferred != "" {
			for _, robot := range candidates {
				if robot.ID == preferred {
					return robot
				}
			}
		}
		return leastLoaded(candidates)
	default:
		picked := candidates[d.rr%len(candidates)]
		d.rr++
		return picked
	}
}

// leastLoaded picks the lowest current/max ratio, breaking ties by fewer
// running jobs and then by id, so selection is deterministic.
func leastLoaded(candidates []*domain.Robot) *domain.Robot {
	best := candidates[0]
	for _, robot := range candidates[1:] {
		// Cross-multiplied ratio comparison avoids float drift.
		lhs := robot.CurrentJobs * best.MaxConcurrentJobs
		rhs := best.CurrentJobs * robot.MaxConcurrentJobs
		switch {
		case lhs < rhs:
			best = robot
		case lhs == rhs && robot.CurrentJobs < best.CurrentJobs:
			best = robot
		}
	}
	return best
}
