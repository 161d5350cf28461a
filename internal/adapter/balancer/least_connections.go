package balancer

import "github.com/thushan/fleetctl/internal/core/domain"

// LeastConnectionsSelector picks the smallest (in_flight, -score) tuple.
// in_flight lives directly on the Instance, so no side map of connection
// counts is needed.
type LeastConnectionsSelector struct {
	cfg Config
}

func NewLeastConnectionsSelector(cfg Config) *LeastConnectionsSelector {
	return &LeastConnectionsSelector{cfg: cfg}
}

func (l *LeastConnectionsSelector) Name() string { return AlgoLeastConnections }

func (l *LeastConnectionsSelector) Select(eligible []*domain.Instance) (*domain.Instance, error) {
	if len(eligible) == 0 {
		return nil, ErrNoEligibleInstances
	}
	best := eligible[0]
	bestInFlight := best.InFlight()
	bestScore := best.Score(l.cfg.Weights, l.cfg.TargetTPS)
	for _, inst := range eligible[1:] {
		inFlight := inst.InFlight()
		score := inst.Score(l.cfg.Weights, l.cfg.TargetTPS)
		if inFlight < bestInFlight || (inFlight == bestInFlight && score > bestScore) {
			best, bestInFlight, bestScore = inst, inFlight, score
		}
	}
	return best, nil
}
