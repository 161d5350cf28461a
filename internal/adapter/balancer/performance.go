package balancer

import "github.com/thushan/fleetctl/internal/core/domain"

// PerformanceSelector picks the largest weighted composite score, the
// default algorithm: a blend of throughput, latency, success rate, and
// spare concurrency.
type PerformanceSelector struct {
	cfg Config
}

func NewPerformanceSelector(cfg Config) *PerformanceSelector {
	return &PerformanceSelector{cfg: cfg}
}

func (p *PerformanceSelector) Name() string { return AlgoPerformance }

func (p *PerformanceSelector) Select(eligible []*domain.Instance) (*domain.Instance, error) {
	if len(eligible) == 0 {
		return nil, ErrNoEligibleInstances
	}
	best := eligible[0]
	bestScore := best.Score(p.cfg.Weights, p.cfg.TargetTPS)
	for _, inst := range eligible[1:] {
		score := inst.Score(p.cfg.Weights, p.cfg.TargetTPS)
		if score > bestScore {
			best, bestScore = inst, score
		}
	}
	return best, nil
}
