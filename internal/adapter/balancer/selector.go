// Package balancer implements the Dispatcher's instance-selection
// algorithms: round_robin, least_connections, response_time, and the
// default performance composite, each picked by name through a Factory.
package balancer

import (
	"fmt"
	"time"

	"github.com/thushan/fleetctl/internal/core/domain"
)

// Selector picks one instance from the eligible set already computed by the
// caller (registry.Store.Eligible) -- the Dispatcher owns building that set,
// selectors only order or score it.
type Selector interface {
	Name() string
	Select(eligible []*domain.Instance) (*domain.Instance, error)
}

// ErrNoEligibleInstances is returned by every selector when handed an empty
// slice; the Dispatcher returns domain.ErrDispatchEmpty itself before calling
// Select on an empty eligible set.
var ErrNoEligibleInstances = fmt.Errorf("no eligible instances")

const (
	AlgoRoundRobin       = "round_robin"
	AlgoLeastConnections = "least_connections"
	AlgoResponseTime     = "response_time"
	AlgoPerformance      = "performance"
)

// Config carries the tunables selectors need beyond the instance list
// itself: the performance selector's score weights and throughput
// normalisation target.
type Config struct {
	Weights   domain.ScoreWeights
	TargetTPS float64
}

func DefaultConfig() Config {
	return Config{Weights: domain.DefaultScoreWeights, TargetTPS: 1485}
}

// timeOrZero returns t.UnixNano(), or 0 for a zero Time so never-used
// instances sort first in round_robin's tie-break.
func timeOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
