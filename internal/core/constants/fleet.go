package constants

import "time"

// Fleet defaults mirror the configuration schema's default column.
const (
	DefaultBasePort         = 8080
	DefaultInstanceCount    = 27
	DefaultInstanceHost     = "localhost"
	DefaultLoadBalancerPort = 8000

	DefaultHealthCheckInterval        = 15 * time.Second
	DefaultHealthCheckTimeout         = 5 * time.Second
	DefaultPerformanceMonitorInterval = 10 * time.Second
	DefaultHealthProbeConcurrency     = 5

	DefaultMaxRestartAttempts = 3
	DefaultRestartCooldown    = 60 * time.Second
	DefaultStartupDeadline    = 600 * time.Second
	DefaultStartupPollEvery   = 1 * time.Second
	DefaultStartBatchSize     = 3
	DefaultStartBatchDelay    = 2 * time.Second
	DefaultStopWaitTimeout    = 10 * time.Second
	DefaultStopKillTimeout    = 5 * time.Second
	DefaultRestartSettleDelay = 2 * time.Second

	DefaultCircuitBreakerFailureThreshold = 5
	DefaultCircuitBreakerRecoveryTimeout  = 60 * time.Second
	DefaultCircuitBreakerMinThreshold     = 3
	DefaultCircuitBreakerMaxThreshold     = 10

	DefaultMaxRetries          = 2
	DefaultMaxBatchSize        = 8
	DefaultRequestTimeout      = 180 * time.Second
	DefaultTargetTPS           = 1485.0
	DefaultRestartMeanScore    = 70.0
	DefaultRestartIndividual   = 50.0
	DefaultRestartStagger      = 5 * time.Second
	DefaultLoadBalancerAlgo    = "performance"

	DefaultWorkerMaxConcurrent = 4
	DefaultWorkerQuantization  = "4bit"
)
