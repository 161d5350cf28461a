package balancer

import (
	"testing"
	"time"

	"github.com/thushan/fleetctl/internal/adapter/breaker"
	"github.com/thushan/fleetctl/internal/core/domain"
)

func newRunningInstance(id int) *domain.Instance {
	inst := domain.NewInstance(id, "localhost", 9000+id, breaker.New(5, time.Second))
	inst.SetLifecycle(domain.Running)
	return inst
}

func TestFactory_CreateKnownAndUnknown(t *testing.T) {
	f := NewFactory()
	for _, name := range []string{AlgoRoundRobin, AlgoLeastConnections, AlgoResponseTime, AlgoPerformance} {
		if _, err := f.Create(name, DefaultConfig()); err != nil {
			t.Fatalf("expected %s to be registered: %v", name, err)
		}
	}
	if _, err := f.Create("nope", DefaultConfig()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestSelectors_EmptyEligibleSetErrors(t *testing.T) {
	for _, sel := range []Selector{
		NewRoundRobinSelector(DefaultConfig()),
		NewLeastConnectionsSelector(DefaultConfig()),
		NewResponseTimeSelector(),
		NewPerformanceSelector(DefaultConfig()),
	} {
		if _, err := sel.Select(nil); err != ErrNoEligibleInstances {
			t.Fatalf("%s: expected ErrNoEligibleInstances, got %v", sel.Name(), err)
		}
	}
}

func TestLeastConnectionsSelector_PicksLowestInFlight(t *testing.T) {
	a := newRunningInstance(0)
	b := newRunningInstance(1)
	a.IncrementInFlight()
	a.IncrementInFlight()
	b.IncrementInFlight()

	sel := NewLeastConnectionsSelector(DefaultConfig())
	got, err := sel.Select([]*domain.Instance{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 1 {
		t.Fatalf("expected instance 1 (fewer in-flight), got %d", got.ID)
	}
}

func TestResponseTimeSelector_PicksLowestLatency(t *testing.T) {
	a := newRunningInstance(0)
	b := newRunningInstance(1)
	a.Latency.Append(200)
	b.Latency.Append(50)

	sel := NewResponseTimeSelector()
	got, err := sel.Select([]*domain.Instance{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 1 {
		t.Fatalf("expected instance 1 (lower latency), got %d", got.ID)
	}
}

func TestPerformanceSelector_PicksHighestScore(t *testing.T) {
	a := newRunningInstance(0)
	b := newRunningInstance(1)
	// b has better throughput and lower in-flight -> higher score
	b.Throughput.Append(1485)
	a.IncrementInFlight()
	a.IncrementInFlight()
	a.IncrementInFlight()

	sel := NewPerformanceSelector(DefaultConfig())
	got, err := sel.Select([]*domain.Instance{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 1 {
		t.Fatalf("expected instance 1 (higher score), got %d", got.ID)
	}
}

func TestRoundRobinSelector_PicksLeastRecentlyUsed(t *testing.T) {
	a := newRunningInstance(0)
	b := newRunningInstance(1)
	a.SetLastUsedAt(time.Now())
	// b has zero LastUsedAt, so it sorts first.

	sel := NewRoundRobinSelector(DefaultConfig())
	got, err := sel.Select([]*domain.Instance{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 1 {
		t.Fatalf("expected instance 1 (never used), got %d", got.ID)
	}
}
