package domain

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// RingLatencyCapacity and RingThroughputCapacity are the bounded window
// sizes named in the data model: 100 latency samples, 10 throughput samples.
const (
	RingLatencyCapacity    = 100
	RingThroughputCapacity = 10
)

// Totals are the per-instance counters accumulated since controller start.
// Mutated only by the Dispatcher. A success updates requests and successes,
// then the latency/throughput rings, then the breaker; a non-2xx response
// appends its latency first, then updates requests and failures, then the
// breaker.
type Totals struct {
	Requests  uint64
	Successes uint64
	Failures  uint64
	Tokens    uint64
}

// Breaker is the subset of the circuit breaker's surface the Instance needs
// to expose without importing the breaker package; see adapter/breaker for
// the implementation.
type Breaker interface {
	CanAttempt() bool
	RecordSuccess()
	RecordFailure()
}

// Instance is one worker slot: id, network endpoint, lifecycle, and the
// counters/windows the Dispatcher and health prober maintain about it.
// Field mutation is partitioned by role:
//   - Supervisor: Lifecycle, ProcessHandle, RestartCount, StartedAt
//   - health prober: LastHeartbeatAt, and Starting->Running transitions
//   - Dispatcher: InFlight, Totals, Latency, Throughput, LastUsedAt
//
// The partition is enforced by package boundary, not by runtime checks.
type Instance struct {
	ID   int
	Host string
	Port int

	Breaker Breaker

	Latency    *Ring
	Throughput *Ring

	mu              sync.RWMutex
	lifecycle       LifecycleState
	processHandle   *os.Process
	startedAt       time.Time
	lastHeartbeatAt time.Time
	restartCount    int
	lastUsedAt      time.Time

	inFlight int64 // atomic
	totals   Totals
	totalsMu sync.Mutex
}

func NewInstance(id int, host string, port int, breaker Breaker) *Instance {
	return &Instance{
		ID:         id,
		Host:       host,
		Port:       port,
		Breaker:    breaker,
		Latency:    NewRing(RingLatencyCapacity),
		Throughput: NewRing(RingThroughputCapacity),
		lifecycle:  Stopped,
	}
}

func (i *Instance) Lifecycle() LifecycleState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lifecycle
}

// SetLifecycle is Supervisor-owned.
func (i *Instance) SetLifecycle(s LifecycleState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lifecycle = s
}

func (i *Instance) ProcessHandle() *os.Process {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.processHandle
}

// SetProcessHandle is Supervisor-owned.
func (i *Instance) SetProcessHandle(p *os.Process) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.processHandle = p
}

func (i *Instance) StartedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.startedAt
}

// SetStartedAt is Supervisor-owned.
func (i *Instance) SetStartedAt(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.startedAt = t
}

func (i *Instance) RestartCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.restartCount
}

// IncrementRestartCount is Supervisor-owned.
func (i *Instance) IncrementRestartCount() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restartCount++
}

func (i *Instance) LastHeartbeatAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastHeartbeatAt
}

// Heartbeat is health-prober-owned: records a successful probe and, if the
// instance was Starting, promotes it to Running.
func (i *Instance) Heartbeat(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHeartbeatAt = at
	if i.lifecycle == Starting {
		i.lifecycle = Running
	}
}

func (i *Instance) LastUsedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastUsedAt
}

// Dispatcher-owned accessors below.

func (i *Instance) InFlight() int64 {
	return atomic.LoadInt64(&i.inFlight)
}

func (i *Instance) IncrementInFlight() int64 {
	return atomic.AddInt64(&i.inFlight, 1)
}

func (i *Instance) DecrementInFlight() int64 {
	return atomic.AddInt64(&i.inFlight, -1)
}

func (i *Instance) SetLastUsedAt(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastUsedAt = t
}

func (i *Instance) Totals() Totals {
	i.totalsMu.Lock()
	defer i.totalsMu.Unlock()
	return i.totals
}

func (i *Instance) RecordSuccess(tokens uint64) {
	i.totalsMu.Lock()
	i.totals.Requests++
	i.totals.Successes++
	i.totals.Tokens += tokens
	i.totalsMu.Unlock()
}

func (i *Instance) RecordFailure() {
	i.totalsMu.Lock()
	i.totals.Requests++
	i.totals.Failures++
	i.totalsMu.Unlock()
}

// Derived metrics, computed on read per the data model's "Derived" section.

func (i *Instance) AvgLatencyMs() float64 { return i.Latency.Mean() }

func (i *Instance) CurrentTPS() float64 { return i.Throughput.Mean() }

func (i *Instance) SuccessRate() float64 {
	t := i.Totals()
	if t.Requests == 0 {
		return 1.0
	}
	return float64(t.Successes) / float64(t.Requests)
}

// ScoreWeights are the coefficients of the performance selector's composite
// score: 0.40*throughput + 0.25*latency + 0.20*success + 0.15*concurrency.
type ScoreWeights struct {
	Throughput float64
	Latency    float64
	Success    float64
	Concurrency float64
}

// DefaultScoreWeights matches the literal weights in the selection table.
var DefaultScoreWeights = ScoreWeights{Throughput: 0.40, Latency: 0.25, Success: 0.20, Concurrency: 0.15}

// Score computes the weighted composite in [0, 100] used by the performance
// selector. targetTPS is the configured normalisation point for throughput.
func (i *Instance) Score(w ScoreWeights, targetTPS float64) float64 {
	if targetTPS <= 0 {
		targetTPS = 1
	}
	t := min100(i.CurrentTPS() / targetTPS * 100)
	l := max0(100 - i.AvgLatencyMs()/100)
	s := i.SuccessRate() * 100
	c := max0(100 - float64(i.InFlight())*10)
	return w.Throughput*t + w.Latency*l + w.Success*s + w.Concurrency*c
}

func min100(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
