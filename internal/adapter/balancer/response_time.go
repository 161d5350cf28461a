package balancer

import "github.com/thushan/fleetctl/internal/core/domain"

// ResponseTimeSelector picks the smallest (avg_latency_ms, -current_tps)
// tuple, favouring the fastest-responding instance with highest throughput
// as a tie-break.
type ResponseTimeSelector struct{}

func NewResponseTimeSelector() *ResponseTimeSelector { return &ResponseTimeSelector{} }

func (r *ResponseTimeSelector) Name() string { return AlgoResponseTime }

func (r *ResponseTimeSelector) Select(eligible []*domain.Instance) (*domain.Instance, error) {
	if len(eligible) == 0 {
		return nil, ErrNoEligibleInstances
	}
	best := eligible[0]
	bestLatency := best.AvgLatencyMs()
	bestTPS := best.CurrentTPS()
	for _, inst := range eligible[1:] {
		latency := inst.AvgLatencyMs()
		tps := inst.CurrentTPS()
		if latency < bestLatency || (latency == bestLatency && tps > bestTPS) {
			best, bestLatency, bestTPS = inst, latency, tps
		}
	}
	return best, nil
}
