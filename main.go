package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thushan/fleetctl/internal/app"
	"github.com/thushan/fleetctl/internal/config"
	"github.com/thushan/fleetctl/internal/env"
	"github.com/thushan/fleetctl/internal/logger"
	"github.com/thushan/fleetctl/internal/version"
	"github.com/thushan/fleetctl/pkg/format"
	"github.com/thushan/fleetctl/pkg/nerdstats"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "", "path to the fleet controller's YAML config file")
	portOverride := flag.Int("port", 0, "controller HTTP bind port (overrides config/default)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	vlog := log.New(log.Writer(), "", 0)
	if *showVersion {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	lcfg := buildLoggerConfig()
	logInstance, cleanup, err := logger.New(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)

	var applicationRef atomic.Pointer[app.Application]
	cfg, err := config.Load(*configPath, logInstance, func() {
		reloaded, err := config.Load(*configPath, logInstance, nil)
		if err != nil {
			logInstance.Error("failed to reload configuration", "error", err)
			return
		}
		if application := applicationRef.Load(); application != nil {
			application.ApplyConfigChange(reloaded)
		}
	})
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to load configuration", "error", err)
	}
	if *portOverride > 0 {
		cfg.Server.Port = *portOverride
	}

	logInstance.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logInstance.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(cfg, logInstance)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}
	applicationRef.Store(application)

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		logInstance.Error("Error during shutdown", "error", err)
	}

	reportProcessStats(logInstance, startTime)

	logInstance.Info("fleetctl has shutdown")
}

func reportProcessStats(logger *slog.Logger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	logger.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	logger.Info("Process Allocation Stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", int64(stats.Mallocs)-int64(stats.Frees),
	)

	if stats.NumGC > 0 {
		logger.Info("Garbage Collection Stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_time", format.Duration(stats.TotalGCTime),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	logger.Info("Goroutine Stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	logger.Info("Runtime Stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)

	if buildInfo := stats.GetBuildInfoSummary(); len(buildInfo) > 0 {
		var buildArgs []any
		for key, value := range buildInfo {
			buildArgs = append(buildArgs, key, value)
		}
		logger.Info("Build Info", buildArgs...)
	}

	logger.Info("Process Health Summary",
		"memory_pressure", stats.GetMemoryPressure(),
		"goroutine_status", stats.GetGoroutineHealthStatus(),
		"uptime", format.Duration(stats.Uptime),
		"avg_gc_pause", nerdstats.CalculateAverageGCPause(stats),
	)
}

// buildLoggerConfig creates logger config from environment variables with defaults
func buildLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      env.GetEnvOrDefault("FLEET_LOG_LEVEL", "info"),
		FileOutput: env.GetEnvBoolOrDefault("FLEET_FILE_OUTPUT", true),
		LogDir:     env.GetEnvOrDefault("FLEET_LOG_DIR", "./logs"),
		MaxSize:    env.GetEnvIntOrDefault("FLEET_MAX_SIZE", 100),
		MaxBackups: env.GetEnvIntOrDefault("FLEET_MAX_BACKUPS", 5),
		MaxAge:     env.GetEnvIntOrDefault("FLEET_MAX_AGE", 30),
		Theme:      env.GetEnvOrDefault("FLEET_THEME", "default"),
		PrettyLogs: env.GetEnvBoolOrDefault("FLEET_PRETTY_LOGS", true),
	}
}
