package config

import "time"

// Config holds all configuration for the fleet controller: the server bind
// address, the mlx_servers instance topology, supervisor restart policy, and
// load-balancer/dispatcher tuning.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	MLXServers  MLXServersConfig  `yaml:"mlx_servers" mapstructure:"mlx_servers"`
	Supervisor  SupervisorConfig  `yaml:"supervisor" mapstructure:"supervisor"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer" mapstructure:"load_balancer"`
	Performance PerformanceConfig `yaml:"performance" mapstructure:"performance"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Engineering EngineeringConfig `yaml:"engineering" mapstructure:"engineering"`

	HealthCheckInterval        time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	PerformanceMonitorInterval time.Duration `yaml:"performance_monitor_interval" mapstructure:"performance_monitor_interval"`
	MaxRestartAttempts         int           `yaml:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	RestartCooldown            time.Duration `yaml:"restart_cooldown" mapstructure:"restart_cooldown"`
}

// ServerConfig holds the controller's own HTTP bind configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// MLXServersConfig describes the worker fleet's network layout.
type MLXServersConfig struct {
	BasePort        int    `yaml:"base_port" mapstructure:"base_port"`
	Instances       int    `yaml:"instances" mapstructure:"instances"`
	Host            string `yaml:"host" mapstructure:"host"`
	LoadBalancerPort int   `yaml:"load_balancer_port" mapstructure:"load_balancer_port"`
}

// SupervisorConfig describes how worker processes are spawned and batched.
type SupervisorConfig struct {
	Command             string        `yaml:"command" mapstructure:"command"`
	Args                []string      `yaml:"args" mapstructure:"args"`
	BatchSize           int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelay          time.Duration `yaml:"batch_delay" mapstructure:"batch_delay"`
	StartupDeadline     time.Duration `yaml:"startup_deadline" mapstructure:"startup_deadline"`
	StopWaitTimeout     time.Duration `yaml:"stop_wait_timeout" mapstructure:"stop_wait_timeout"`
	StopKillTimeout     time.Duration `yaml:"stop_kill_timeout" mapstructure:"stop_kill_timeout"`
	WorkerMaxConcurrent int           `yaml:"worker_max_concurrent" mapstructure:"worker_max_concurrent"`
	WorkerQuantization  string        `yaml:"worker_quantization" mapstructure:"worker_quantization"`
}

// LoadBalancerConfig configures the dispatcher's selection, retry and
// circuit-breaker behaviour.
type LoadBalancerConfig struct {
	Algorithm          string              `yaml:"algorithm" mapstructure:"algorithm"`
	HealthCheckTimeout time.Duration       `yaml:"health_check_timeout" mapstructure:"health_check_timeout"`
	MaxRetries         int                 `yaml:"max_retries" mapstructure:"max_retries"`
	MaxBatchSize       int                 `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	TargetTPS          float64             `yaml:"target_tps" mapstructure:"target_tps"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`
}

// PerformanceConfig configures the dispatcher's request timeout and the
// supervisor's performance-driven restart thresholds.
type PerformanceConfig struct {
	RequestTimeout           time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RestartMeanThreshold     float64       `yaml:"restart_mean_threshold" mapstructure:"restart_mean_threshold"`
	RestartIndividualThreshold float64     `yaml:"restart_individual_threshold" mapstructure:"restart_individual_threshold"`
	RestartStagger           time.Duration `yaml:"restart_stagger" mapstructure:"restart_stagger"`
}

// LoggingConfig holds structured-logging output configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Theme      string `yaml:"theme" mapstructure:"theme"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	MaxSize    int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
	PrettyLogs bool   `yaml:"pretty" mapstructure:"pretty"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowFleetTable bool `yaml:"show_fleet_table" mapstructure:"show_fleet_table"`
}
