package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thushan/fleetctl/internal/adapter/registry"
	"github.com/thushan/fleetctl/internal/config"
	"github.com/thushan/fleetctl/internal/core/constants"
	"github.com/thushan/fleetctl/internal/core/domain"
	"github.com/thushan/fleetctl/internal/logger"
	"github.com/thushan/fleetctl/theme"
)

// Supervisor owns the OS-process side of every Instance: spawning the
// worker binary, waiting for it to become reachable, stopping it cleanly,
// and applying the restart policy (budget, cooldown, performance-driven
// culling). It operates on the shared *registry.Store the rest of the
// controller already maintains, rather than keeping its own bookkeeping.
type Supervisor struct {
	store  *registry.Store
	cfg    config.SupervisorConfig
	fleet  config.Config
	logger *slog.Logger
	styled *logger.StyledLogger

	procMu sync.Mutex
	procs  map[int]*process

	restartMu    sync.Mutex
	restartQueue chan int
	stopCh       chan struct{}
	doneCh       chan struct{}

	// started/stopOnce guard restartLoop's lifecycle: StopAll only closes
	// stopCh and waits on doneCh if StartAll actually launched the loop,
	// so a /stop call with no prior /start (or a spawn failure) can't
	// block forever waiting on a goroutine that was never started.
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

func New(store *registry.Store, fleet config.Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:        store,
		cfg:          fleet.Supervisor,
		fleet:        fleet,
		logger:       log,
		styled:       logger.NewStyledLogger(log, theme.GetTheme(fleet.Logging.Theme)),
		procs:        make(map[int]*process),
		restartQueue: make(chan int, 64),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// StartAll spawns every instance in the store in batches of BatchSize, with
// BatchDelay between batches, and waits for each instance in a batch to
// become Running (via the health prober's heartbeat) before the deadline.
func (s *Supervisor) StartAll(ctx context.Context) error {
	instances := s.store.All()
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(instances); start += batchSize {
		end := start + batchSize
		if end > len(instances) {
			end = len(instances)
		}
		batch := instances[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, inst := range batch {
			inst := inst
			g.Go(func() error {
				return s.startInstance(gctx, inst)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if end < len(instances) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.BatchDelay):
			}
		}
	}

	s.startMu.Lock()
	if !s.started {
		s.started = true
		go s.restartLoop()
	}
	s.startMu.Unlock()
	return nil
}

// startInstance spawns a single worker and blocks until it reports Running
// or the startup deadline elapses.
func (s *Supervisor) startInstance(ctx context.Context, inst *domain.Instance) error {
	inst.SetLifecycle(domain.Starting)

	p, err := spawn(ctx, s.cfg, inst.ID, inst.Port, s.fleet.LoadBalancer.MaxBatchSize)
	if err != nil {
		inst.SetLifecycle(domain.Failed)
		return fmt.Errorf("instance %d: spawn: %w", inst.ID, err)
	}

	s.procMu.Lock()
	s.procs[inst.ID] = p
	s.procMu.Unlock()

	inst.SetProcessHandle(p.cmd.Process)
	inst.SetStartedAt(time.Now())

	go s.monitor(inst, p)

	return s.awaitReady(ctx, inst)
}

// awaitReady polls Lifecycle() until the health prober promotes the
// instance to Running, or the startup deadline elapses.
func (s *Supervisor) awaitReady(ctx context.Context, inst *domain.Instance) error {
	deadline := s.cfg.StartupDeadline
	if deadline <= 0 {
		deadline = 600 * time.Second
	}
	timeoutCh := time.After(deadline)
	ticker := time.NewTicker(constants.DefaultStartupPollEvery)
	defer ticker.Stop()

	for {
		if inst.Lifecycle() == domain.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			inst.SetLifecycle(domain.Failed)
			return fmt.Errorf("instance %d: did not become ready within %s", inst.ID, deadline)
		case <-ticker.C:
		}
	}
}

// monitor waits for the child process to exit and marks the instance
// Failed if the exit was not requested via Stop (allowRestart semantics
// are implicit here: a deliberate stop always transitions through
// stopInstance first, which this goroutine races harmlessly against).
func (s *Supervisor) monitor(inst *domain.Instance, p *process) {
	<-p.doneCh
	if inst.Lifecycle() != domain.Stopped {
		inst.SetLifecycle(domain.Failed)
		s.logger.Warn("worker process exited unexpectedly", "instance", inst.ID, "error", p.waitErr)
		s.RequestRestart(inst)
	}
}

// stopInstance gracefully stops one instance: SIGTERM to its process
// group, SIGKILL after StopWaitTimeout, and waits up to StopKillTimeout
// more for the monitor goroutine to observe the exit.
func (s *Supervisor) stopInstance(inst *domain.Instance) error {
	inst.SetLifecycle(domain.Stopped)

	s.procMu.Lock()
	p := s.procs[inst.ID]
	s.procMu.Unlock()
	if p == nil {
		return nil
	}

	waitTimeout := s.cfg.StopWaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	killTimeout := s.cfg.StopKillTimeout
	if killTimeout <= 0 {
		killTimeout = 5 * time.Second
	}

	err := p.stop(syscall.SIGTERM, waitTimeout, killTimeout)
	inst.SetProcessHandle(nil)
	return err
}

// StopAll stops every instance in parallel and stops the restart loop, if
// one was ever started (StartAll was never called, or every spawn in it
// failed before reaching the loop launch).
func (s *Supervisor) StopAll() error {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()

	if started {
		s.stopOnce.Do(func() { close(s.stopCh) })
		<-s.doneCh
	}

	var wg sync.WaitGroup
	errs := make([]error, len(s.store.All()))
	for idx, inst := range s.store.All() {
		idx, inst := idx, inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[idx] = s.stopInstance(inst)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RequestRestart implements health.RestartCandidates: it queues the
// instance for asynchronous restart handling rather than restarting
// inline on the prober's goroutine.
func (s *Supervisor) RequestRestart(inst *domain.Instance) {
	select {
	case s.restartQueue <- inst.ID:
	default:
		s.logger.Warn("restart queue full, dropping restart request", "instance", inst.ID)
	}
}

// restartLoop drains restart requests and the performance-driven restart
// ticker until StopAll is called.
func (s *Supervisor) restartLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.fleet.PerformanceMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case id := <-s.restartQueue:
			s.restart(id)
		case <-ticker.C:
			s.performanceRestarts()
		}
	}
}

// restart applies the restart budget and cooldown before stopping and
// respawning one instance.
func (s *Supervisor) restart(id int) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	inst := s.store.Get(id)
	if inst == nil {
		return
	}
	if inst.Lifecycle() == domain.Stopped {
		return // deliberately stopped, not a crash
	}

	if inst.RestartCount() >= s.fleet.MaxRestartAttempts {
		s.styled.ErrorWithInstance("restart budget exhausted, leaving instance failed", id, "attempts", inst.RestartCount())
		inst.SetLifecycle(domain.Failed)
		s.styled.InfoLifecycle("instance lifecycle", id, domain.Failed)
		return
	}

	if hb := inst.LastHeartbeatAt(); !hb.IsZero() && time.Since(hb) < s.fleet.RestartCooldown {
		s.styled.WarnWithInstance("restart cooldown still in effect for", id, "remaining", s.fleet.RestartCooldown-time.Since(hb))
		return
	}

	s.logger.Info("restarting instance", "instance", id, "attempt", inst.RestartCount()+1)

	_ = s.stopInstance(inst)
	inst.IncrementRestartCount()

	time.Sleep(constants.DefaultRestartSettleDelay)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupDeadline)
	defer cancel()
	if err := s.startInstance(ctx, inst); err != nil {
		s.styled.ErrorWithInstance("restart failed for", id, "error", err)
		return
	}
	s.styled.InfoLifecycle("instance lifecycle", id, domain.Running)
}

// performanceRestarts implements the performance-driven restart rule: if the
// fleet's mean score drops below RestartMeanThreshold, take the lowest-score
// quartile and restart only those within it whose own score is also below
// RestartIndividualThreshold, staggered by RestartStagger. A fleet whose
// mean score is healthy is left alone even if one instance is degenerate.
func (s *Supervisor) performanceRestarts() {
	running := s.store.Running()
	if len(running) == 0 {
		return
	}

	type scored struct {
		inst  *domain.Instance
		score float64
	}
	scores := make([]scored, 0, len(running))
	var sum float64
	for _, inst := range running {
		sc := inst.Score(domain.DefaultScoreWeights, s.fleet.LoadBalancer.TargetTPS)
		scores = append(scores, scored{inst, sc})
		sum += sc
	}
	mean := sum / float64(len(scores))
	if mean >= s.fleet.Performance.RestartMeanThreshold {
		return
	}

	sort.Slice(scores, func(a, b int) bool { return scores[a].score < scores[b].score })
	quartile := len(scores) / 4
	if quartile == 0 {
		quartile = 1
	}

	stagger := s.fleet.Performance.RestartStagger
	i := 0
	for _, sc := range scores[:quartile] {
		if sc.score >= s.fleet.Performance.RestartIndividualThreshold {
			continue
		}
		delay := time.Duration(i) * stagger
		i++
		go func(inst *domain.Instance, delay time.Duration) {
			time.Sleep(delay)
			s.RequestRestart(inst)
		}(sc.inst, delay)
	}
}
