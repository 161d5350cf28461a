// Package app wires the registry, health prober, supervisor, balancer and
// dispatcher into the controller's HTTP surface and owns the
// Start/Stop/registerRoutes lifecycle of the whole process.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"

	"github.com/thushan/fleetctl/internal/adapter/balancer"
	"github.com/thushan/fleetctl/internal/adapter/dispatcher"
	"github.com/thushan/fleetctl/internal/adapter/health"
	"github.com/thushan/fleetctl/internal/adapter/registry"
	"github.com/thushan/fleetctl/internal/adapter/supervisor"
	"github.com/thushan/fleetctl/internal/config"
	"github.com/thushan/fleetctl/internal/core/domain"
	"github.com/thushan/fleetctl/internal/logger"
	"github.com/thushan/fleetctl/internal/router"
	"github.com/thushan/fleetctl/pkg/format"
	"github.com/thushan/fleetctl/theme"
)

// Application is the fleet controller: an HTTP front door over a
// registry.Store shared by the Supervisor (process lifecycle) and the
// Dispatcher (request routing).
type Application struct {
	config *config.Config
	server *http.Server
	logger *slog.Logger
	styled *logger.StyledLogger

	registry   *router.RouteRegistry
	store      *registry.Store
	prober     *health.Prober
	supervisor *supervisor.Supervisor
	dispatcher *dispatcher.Dispatcher

	// controlMu serializes /start and /stop per the open-question
	// resolution: concurrent control calls are treated as serialized.
	controlMu sync.Mutex

	// peakThroughputBits holds the highest aggregate tokens/sec observed
	// across all instances, as math.Float64bits, updated on every
	// /metrics read so it survives between polls without a background
	// goroutine of its own.
	peakThroughputBits uint64

	errCh chan error
}

func New(cfg *config.Config, log *slog.Logger) (*Application, error) {
	store := registry.New(cfg.MLXServers.Instances, cfg.MLXServers.Host, cfg.MLXServers.BasePort, cfg.LoadBalancer.CircuitBreaker.FailureThreshold, cfg.LoadBalancer.CircuitBreaker.RecoveryTimeout)

	sup := supervisor.New(store, *cfg, log)
	prober := health.New(store, cfg.HealthCheckInterval, cfg.LoadBalancer.HealthCheckTimeout, log, sup)

	factory := balancer.NewFactory()
	selector, err := factory.Create(cfg.LoadBalancer.Algorithm, balancer.Config{
		Weights:   domain.DefaultScoreWeights,
		TargetTPS: cfg.LoadBalancer.TargetTPS,
	})
	if err != nil {
		return nil, fmt.Errorf("build selector: %w", err)
	}

	disp := dispatcher.New(store, selector, cfg.Performance.RequestTimeout, cfg.LoadBalancer.MaxRetries, log)

	routeRegistry := router.NewRouteRegistry(log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		server:     server,
		logger:     log,
		styled:     logger.NewStyledLogger(log, theme.GetTheme(cfg.Logging.Theme)),
		registry:   routeRegistry,
		store:      store,
		prober:     prober,
		supervisor: sup,
		dispatcher: disp,
		errCh:      make(chan error, 1),
	}, nil
}

func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	a.startWebServer()

	if err := a.supervisor.StartAll(ctx); err != nil {
		a.logger.Error("fleet startup error", "error", err)
		return err
	}
	a.prober.Start(ctx)

	if a.config.Engineering.ShowFleetTable {
		go a.runFleetTable(ctx)
	}

	a.logger.Info("fleetctl started", "bind", a.server.Addr, "instances", a.store.Len())
	return nil
}

// runFleetTable prints a pterm table of per-instance state on the same
// cadence as health checks, for operators running with
// engineering.show_fleet_table enabled. It is purely a terminal aid: nothing
// else in the controller depends on it running.
func (a *Application) runFleetTable(ctx context.Context) {
	ticker := time.NewTicker(a.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.printFleetTable()
		}
	}
}

func (a *Application) printFleetTable() {
	snapshots := a.store.Snapshots(domain.DefaultScoreWeights, a.config.LoadBalancer.TargetTPS)

	rows := [][]string{{"ID", "STATE", "BREAKER", "TPS", "LATENCY", "SUCCESS", "SCORE"}}
	var running, failed, starting int
	for _, s := range snapshots {
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.ID),
			string(s.State),
			s.BreakerState,
			fmt.Sprintf("%.1f", s.CurrentTPS),
			format.Latency(int64(s.AvgLatencyMs)),
			format.Percentage(s.SuccessRate * 100),
			fmt.Sprintf("%.1f", s.Score),
		})
		switch s.State {
		case domain.Running:
			running++
		case domain.Failed:
			failed++
		case domain.Starting:
			starting++
		}
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return
	}
	fmt.Println(table)
	a.styled.InfoWithFleetStats("fleet status", running, failed, starting)
}

func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	a.prober.Stop()

	if err := a.supervisor.StopAll(); err != nil {
		a.logger.Error("failed to stop fleet", "error", err)
	}

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// ApplyConfigChange re-reads the subset of configuration that's safe to
// change live -- load balancer retry budget and health-check cadence -- and
// pushes it into the already-running Dispatcher and Prober. Instance
// topology (mlx_servers.instances/base_port) is intentionally not
// reconciled here: the instance array is fixed-size for the process
// lifetime, so changing it requires a controller restart.
func (a *Application) ApplyConfigChange(newCfg *config.Config) {
	a.dispatcher.SetMaxRetries(newCfg.LoadBalancer.MaxRetries)
	a.prober.SetInterval(newCfg.HealthCheckInterval)
	a.logger.Info("configuration reloaded", "max_retries", newCfg.LoadBalancer.MaxRetries, "health_check_interval", newCfg.HealthCheckInterval)
}

func (a *Application) registerRoutes() {
	a.registry.RegisterWithMethod("/health", a.healthHandler, "Controller liveness check", "GET")
	a.registry.RegisterWithMethod("/status", a.statusHandler, "Fleet-wide instance snapshot", "GET")
	a.registry.RegisterWithMethod("/metrics", a.metricsHandler, "Dispatcher counters and per-instance performance", "GET")
	a.registry.RegisterWithMethod("/start", a.startHandler, "Start the fleet", "POST")
	a.registry.RegisterWithMethod("/stop", a.stopHandler, "Stop the fleet", "POST")
	a.registry.RegisterWithMethod("/v1/completions", a.completionsHandler, "Completion requests", "POST")
	a.registry.RegisterWithMethod("/v1/chat/completions", a.completionsHandler, "Chat completion requests", "POST")
}

func (a *Application) startWebServer() {
	mux := http.NewServeMux()
	a.registerRoutes()
	a.registry.WireUp(mux)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.server.Handler = mux
}

func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *Application) statusHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := a.store.Snapshots(domain.DefaultScoreWeights, a.config.LoadBalancer.TargetTPS)
	writeJSON(w, http.StatusOK, map[string]any{"instances": snapshots, "count": len(snapshots)})
}

func (a *Application) metricsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots := a.store.Snapshots(domain.DefaultScoreWeights, a.config.LoadBalancer.TargetTPS)

	var totalRequests, totalSuccesses, totalFailures, totalTokens uint64
	var aggregateTPS float64
	for _, s := range snapshots {
		totalRequests += s.Totals.Requests
		totalSuccesses += s.Totals.Successes
		totalFailures += s.Totals.Failures
		totalTokens += s.Totals.Tokens
		aggregateTPS += s.CurrentTPS
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totals": map[string]uint64{
			"requests":  totalRequests,
			"successes": totalSuccesses,
			"failures":  totalFailures,
			"tokens":    totalTokens,
		},
		"global_metrics": map[string]float64{
			"current_throughput": aggregateTPS,
			"peak_throughput":    a.recordPeakThroughput(aggregateTPS),
		},
		"instances": snapshots,
	})
}

// recordPeakThroughput updates the highest aggregate tokens/sec observed so
// far, if current exceeds it, and returns the (possibly just-updated) peak.
func (a *Application) recordPeakThroughput(current float64) float64 {
	for {
		old := atomic.LoadUint64(&a.peakThroughputBits)
		oldPeak := math.Float64frombits(old)
		if current <= oldPeak {
			return oldPeak
		}
		if atomic.CompareAndSwapUint64(&a.peakThroughputBits, old, math.Float64bits(current)) {
			return current
		}
	}
}

func (a *Application) startHandler(w http.ResponseWriter, r *http.Request) {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()

	if err := a.supervisor.StartAll(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "fleet started"})
}

func (a *Application) stopHandler(w http.ResponseWriter, r *http.Request) {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()

	if err := a.supervisor.StopAll(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "fleet stopped"})
}

func (a *Application) completionsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	respBody, status, err := a.dispatcher.Dispatch(r.Context(), r.URL.Path, body)
	if err != nil {
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
