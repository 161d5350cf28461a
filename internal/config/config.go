package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/thushan/fleetctl/internal/core/constants"
)

const (
	DefaultConfigFileEnv  = "FLEET_CONFIG_FILE"
	DefaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration matching the literal defaults in the
// configuration schema table.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            constants.DefaultLoadBalancerPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		MLXServers: MLXServersConfig{
			BasePort:         constants.DefaultBasePort,
			Instances:        constants.DefaultInstanceCount,
			Host:             constants.DefaultInstanceHost,
			LoadBalancerPort: constants.DefaultLoadBalancerPort,
		},
		Supervisor: SupervisorConfig{
			Command:             "",
			Args:                nil,
			BatchSize:           constants.DefaultStartBatchSize,
			BatchDelay:          constants.DefaultStartBatchDelay,
			StartupDeadline:     constants.DefaultStartupDeadline,
			StopWaitTimeout:     constants.DefaultStopWaitTimeout,
			StopKillTimeout:     constants.DefaultStopKillTimeout,
			WorkerMaxConcurrent: constants.DefaultWorkerMaxConcurrent,
			WorkerQuantization:  constants.DefaultWorkerQuantization,
		},
		LoadBalancer: LoadBalancerConfig{
			Algorithm:          constants.DefaultLoadBalancerAlgo,
			HealthCheckTimeout: constants.DefaultHealthCheckTimeout,
			MaxRetries:         constants.DefaultMaxRetries,
			MaxBatchSize:       constants.DefaultMaxBatchSize,
			TargetTPS:          constants.DefaultTargetTPS,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: constants.DefaultCircuitBreakerFailureThreshold,
				RecoveryTimeout:  constants.DefaultCircuitBreakerRecoveryTimeout,
			},
		},
		Performance: PerformanceConfig{
			RequestTimeout:             constants.DefaultRequestTimeout,
			RestartMeanThreshold:       constants.DefaultRestartMeanScore,
			RestartIndividualThreshold: constants.DefaultRestartIndividual,
			RestartStagger:             constants.DefaultRestartStagger,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: true,
			PrettyLogs: true,
		},
		Engineering: EngineeringConfig{
			ShowFleetTable: false,
		},
		HealthCheckInterval:        constants.DefaultHealthCheckInterval,
		PerformanceMonitorInterval: constants.DefaultPerformanceMonitorInterval,
		MaxRestartAttempts:         constants.DefaultMaxRestartAttempts,
		RestartCooldown:            constants.DefaultRestartCooldown,
	}
}

// Load loads configuration from file and environment variables: config
// name/type/path conventions, an env prefix with a "." to "_" replacer, and
// a debounced OnConfigChange callback for hot-reload. configPath, when
// non-empty, is read explicitly (the --config CLI flag); otherwise viper
// searches "." and "./config" for a config.yaml, falling back to
// FLEET_CONFIG_FILE. Per the CLI contract, a missing or unreadable config
// file is never fatal: Load logs the failure through logger (or the
// default logger, if nil) and continues with DefaultConfig(). Only a
// structurally invalid decode into Config is returned as an error.
func Load(configPath string, logger *slog.Logger, onConfigChange func()) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("FLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("could not read config file, falling back to defaults", "config_path", configPath, "error", err)
		if configFile := os.Getenv(DefaultConfigFileEnv); configFile != "" && configFile != configPath {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				logger.Warn("could not read FLEET_CONFIG_FILE, continuing with defaults", "config_path", configFile, "error", err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
