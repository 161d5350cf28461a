// Package registry holds the fixed-size instance-state store shared between
// the supervisor and dispatcher: a dense, never-resizing array indexed by
// instance id, since ids are small contiguous integers known at startup.
package registry

import (
	"time"

	"github.com/thushan/fleetctl/internal/adapter/breaker"
	"github.com/thushan/fleetctl/internal/core/domain"
)

// Store is the shared, concurrent id->Instance mapping named in the
// component design. It never resizes after New and iterates in id order.
type Store struct {
	instances []*domain.Instance
}

// New builds a Store of n instances listening on host:basePort+id, each
// wired with a fresh adaptive circuit breaker seeded with failureThreshold
// and recoveryTimeout (load_balancer.circuit_breaker in config).
func New(n int, host string, basePort int, failureThreshold int, recoveryTimeout time.Duration) *Store {
	instances := make([]*domain.Instance, n)
	for id := 0; id < n; id++ {
		cb := breaker.New(failureThreshold, recoveryTimeout)
		instances[id] = domain.NewInstance(id, host, basePort+id, cb)
	}
	return &Store{instances: instances}
}

// Len returns N, the fixed instance count.
func (s *Store) Len() int { return len(s.instances) }

// Get returns the instance at id, or nil if out of range.
func (s *Store) Get(id int) *domain.Instance {
	if id < 0 || id >= len(s.instances) {
		return nil
	}
	return s.instances[id]
}

// All returns every instance in id order. Callers must not mutate the slice;
// mutation of fields is still governed by the role partition in the domain
// package.
func (s *Store) All() []*domain.Instance {
	out := make([]*domain.Instance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Running returns instances currently in the Running lifecycle state, in id
// order, independent of breaker state (Eligible applies the breaker veto).
func (s *Store) Running() []*domain.Instance {
	var out []*domain.Instance
	for _, inst := range s.instances {
		if inst.Lifecycle() == domain.Running {
			out = append(out, inst)
		}
	}
	return out
}

// Eligible returns instances with lifecycle Running AND breaker.CanAttempt()
// true -- the eligible set as defined in the glossary.
func (s *Store) Eligible() []*domain.Instance {
	var out []*domain.Instance
	for _, inst := range s.instances {
		if inst.Lifecycle() == domain.Running && inst.Breaker.CanAttempt() {
			out = append(out, inst)
		}
	}
	return out
}

// Snapshot is a copy-by-value, per-instance consistent summary used by the
// /status and /metrics handlers so a response can be built without holding
// locks across the write.
type Snapshot struct {
	ID              int
	Host            string
	Port            int
	State           domain.LifecycleState
	PID             int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	RestartCount    int
	InFlight        int64
	Totals          domain.Totals
	AvgLatencyMs    float64
	CurrentTPS      float64
	SuccessRate     float64
	Score           float64
	BreakerState    string
}

// Snapshots returns a consistent-per-instance snapshot of every instance in
// id order.
func (s *Store) Snapshots(weights domain.ScoreWeights, targetTPS float64) []Snapshot {
	out := make([]Snapshot, 0, len(s.instances))
	for _, inst := range s.instances {
		pid := 0
		if p := inst.ProcessHandle(); p != nil {
			pid = p.Pid
		}
		bs := "closed"
		if cb, ok := inst.Breaker.(*breaker.CircuitBreaker); ok {
			bs = cb.State().String()
		}
		out = append(out, Snapshot{
			ID:              inst.ID,
			Host:            inst.Host,
			Port:            inst.Port,
			State:           inst.Lifecycle(),
			PID:             pid,
			StartedAt:       inst.StartedAt(),
			LastHeartbeatAt: inst.LastHeartbeatAt(),
			RestartCount:    inst.RestartCount(),
			InFlight:        inst.InFlight(),
			Totals:          inst.Totals(),
			AvgLatencyMs:    inst.AvgLatencyMs(),
			CurrentTPS:      inst.CurrentTPS(),
			SuccessRate:     inst.SuccessRate(),
			Score:           inst.Score(weights, targetTPS),
			BreakerState:    bs,
		})
	}
	return out
}
