package balancer

import "github.com/thushan/fleetctl/internal/core/domain"

// RoundRobinSelector picks the instance with the smallest (last_used_at,
// -score) tuple: the least-recently-used instance, breaking ties toward the
// higher score. Expressed this way rather than a rotating index since the
// eligible set's membership and order change between calls.
type RoundRobinSelector struct {
	cfg Config
}

func NewRoundRobinSelector(cfg Config) *RoundRobinSelector {
	return &RoundRobinSelector{cfg: cfg}
}

func (r *RoundRobinSelector) Name() string { return AlgoRoundRobin }

func (r *RoundRobinSelector) Select(eligible []*domain.Instance) (*domain.Instance, error) {
	if len(eligible) == 0 {
		return nil, ErrNoEligibleInstances
	}
	best := eligible[0]
	bestUsed := timeOrZero(best.LastUsedAt())
	bestScore := best.Score(r.cfg.Weights, r.cfg.TargetTPS)
	for _, inst := range eligible[1:] {
		used := timeOrZero(inst.LastUsedAt())
		score := inst.Score(r.cfg.Weights, r.cfg.TargetTPS)
		if used < bestUsed || (used == bestUsed && score > bestScore) {
			best, bestUsed, bestScore = inst, used, score
		}
	}
	return best, nil
}
