// Package health runs the periodic liveness probe against every Starting or
// Running instance: an HTTP GET with a timeout, bounded by a semaphore so
// only a handful of probes are ever in flight at once, feeding results
// straight into each instance's breaker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thushan/fleetctl/internal/adapter/registry"
	"github.com/thushan/fleetctl/internal/core/constants"
	"github.com/thushan/fleetctl/internal/core/domain"
)

// RestartCandidates receives instances whose Running probe failed so the
// Supervisor can apply its own restart policy (budget + cooldown).
type RestartCandidates interface {
	RequestRestart(inst *domain.Instance)
}

type Prober struct {
	store        *registry.Store
	client       *http.Client
	intervalNs   atomic.Int64
	concurrent   int64
	logger       *slog.Logger
	restarts     RestartCandidates

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store *registry.Store, interval time.Duration, timeout time.Duration, logger *slog.Logger, restarts RestartCandidates) *Prober {
	if interval <= 0 {
		interval = constants.DefaultHealthCheckInterval
	}
	if timeout <= 0 {
		timeout = constants.DefaultHealthCheckTimeout
	}
	p := &Prober{
		store:      store,
		client:     &http.Client{Timeout: timeout},
		concurrent: constants.DefaultHealthProbeConcurrency,
		logger:     logger,
		restarts:   restarts,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	p.intervalNs.Store(int64(interval))
	return p
}

// SetInterval updates the probe cadence. Takes effect on the next tick of
// the currently running ticker (at most one stale-interval tick late),
// letting health_check_interval hot-reload without restarting the prober.
func (p *Prober) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.intervalNs.Store(int64(interval))
}

func (p *Prober) Interval() time.Duration {
	return time.Duration(p.intervalNs.Load())
}

// Start runs the probe loop until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	current := p.Interval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if next := p.Interval(); next != current {
				ticker.Reset(next)
				current = next
			}
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	sem := semaphore.NewWeighted(p.concurrent)
	for _, inst := range p.store.All() {
		state := inst.Lifecycle()
		if state != domain.Running && state != domain.Starting {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(inst *domain.Instance) {
			defer sem.Release(1)
			p.probe(ctx, inst)
		}(inst)
	}
}

type healthResponse struct {
	Performance map[string]float64 `json:"performance"`
}

// probe performs a single GET /health against an instance, applies the
// breaker feed, merges a performance object into instance metrics, and
// hands Running-state failures to the Supervisor as restart candidates.
func (p *Prober) probe(ctx context.Context, inst *domain.Instance) {
	url := fmt.Sprintf("http://%s:%d/health", inst.Host, inst.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.fail(inst, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(inst, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.fail(inst, fmt.Errorf("health probe returned status %d", resp.StatusCode))
		return
	}

	var body healthResponse
	_ = json.NewDecoder(resp.Body).Decode(&body) // malformed body still counts as success per the probe contract

	inst.Heartbeat(time.Now())
	inst.Breaker.RecordSuccess()
	p.mergePerformance(inst, body.Performance)
}

func (p *Prober) fail(inst *domain.Instance, err error) {
	inst.Breaker.RecordFailure()
	wasRunning := inst.Lifecycle() == domain.Running
	p.logger.Warn("health probe failed", "instance", inst.ID, "error", err)
	if wasRunning && p.restarts != nil {
		p.restarts.RequestRestart(inst)
	}
}

// throughputFields and latencyFields are the numeric keys the worker's
// /health performance object may carry, matched against the instance's
// throughput/latency rings respectively. throughput_tokens_per_sec and
// average_response_time are the worker contract's actual field names
// (optimized_mlx_server.py's handle_health); latency_ms/throughput_tps are
// accepted too so a worker using the more generic spelling still merges.
var (
	throughputFields = []string{"throughput_tokens_per_sec", "throughput_tps"}
	latencyFields    = []string{"average_response_time", "latency_ms"}
)

// mergePerformance writes every recognised numeric field from the worker's
// health response into the instance's ring buffers, matching any field name
// in throughputFields/latencyFields; every other numeric field (e.g.
// memory_usage_mb) has no corresponding instance metric and is ignored, per
// "merge its numeric fields into the instance metrics" -- only known fields.
func (p *Prober) mergePerformance(inst *domain.Instance, perf map[string]float64) {
	if perf == nil {
		return
	}
	for _, key := range throughputFields {
		if v, ok := perf[key]; ok {
			inst.Throughput.Append(v)
			break
		}
	}
	for _, key := range latencyFields {
		if v, ok := perf[key]; ok {
			inst.Latency.Append(v)
			break
		}
	}
}
