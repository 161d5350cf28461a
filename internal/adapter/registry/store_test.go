package registry

import (
	"testing"
	"time"

	"github.com/thushan/fleetctl/internal/core/domain"
)

func TestStore_FixedSizeAndOrder(t *testing.T) {
	s := New(4, "localhost", 9000, 5, time.Second)
	if s.Len() != 4 {
		t.Fatalf("expected 4 instances, got %d", s.Len())
	}
	all := s.All()
	for i, inst := range all {
		if inst.ID != i {
			t.Fatalf("expected id-ordered iteration, got id %d at index %d", inst.ID, i)
		}
		if inst.Port != 9000+i {
			t.Fatalf("expected port %d, got %d", 9000+i, inst.Port)
		}
	}
}

func TestStore_EligibleRespectsLifecycleAndBreaker(t *testing.T) {
	s := New(2, "localhost", 9000, 5, time.Second)
	if len(s.Eligible()) != 0 {
		t.Fatal("expected no eligible instances before any are Running")
	}
	s.Get(0).SetLifecycle(domain.Running)
	s.Get(1).SetLifecycle(domain.Running)
	if len(s.Eligible()) != 2 {
		t.Fatalf("expected both Running instances eligible, got %d", len(s.Eligible()))
	}
	for i := 0; i < 10; i++ {
		s.Get(0).Breaker.RecordFailure()
	}
	eligible := s.Eligible()
	if len(eligible) != 1 || eligible[0].ID != 1 {
		t.Fatalf("expected only instance 1 eligible once 0's breaker opens, got %+v", eligible)
	}
}

func TestStore_GetOutOfRange(t *testing.T) {
	s := New(2, "localhost", 9000, 5, time.Second)
	if s.Get(-1) != nil || s.Get(5) != nil {
		t.Fatal("expected nil for out-of-range ids")
	}
}

// TestStore_SeedsConfiguredFailureThreshold proves load_balancer.circuit_
// breaker.failure_threshold actually reaches each instance's breaker via
// New, rather than every breaker silently starting at the hardcoded
// default regardless of configuration.
func TestStore_SeedsConfiguredFailureThreshold(t *testing.T) {
	s := New(1, "localhost", 9000, 2, time.Hour)
	inst := s.Get(0)
	inst.SetLifecycle(domain.Running)

	inst.Breaker.RecordFailure()
	if !inst.Breaker.CanAttempt() {
		t.Fatal("breaker should still be closed after 1 failure with threshold 2")
	}
	inst.Breaker.RecordFailure()
	if inst.Breaker.CanAttempt() {
		t.Fatal("expected breaker to open on the 2nd failure with configured threshold 2")
	}
}
