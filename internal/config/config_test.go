package config

import (
	"os"
	"testing"

	"github.com/thushan/fleetctl/internal/core/constants"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != constants.DefaultLoadBalancerPort {
		t.Errorf("expected server port %d, got %d", constants.DefaultLoadBalancerPort, cfg.Server.Port)
	}
	if cfg.MLXServers.BasePort != constants.DefaultBasePort {
		t.Errorf("expected base port %d, got %d", constants.DefaultBasePort, cfg.MLXServers.BasePort)
	}
	if cfg.MLXServers.Instances != constants.DefaultInstanceCount {
		t.Errorf("expected %d instances, got %d", constants.DefaultInstanceCount, cfg.MLXServers.Instances)
	}
	if cfg.LoadBalancer.Algorithm != constants.DefaultLoadBalancerAlgo {
		t.Errorf("expected algorithm %q, got %q", constants.DefaultLoadBalancerAlgo, cfg.LoadBalancer.Algorithm)
	}
	if cfg.MaxRestartAttempts != constants.DefaultMaxRestartAttempts {
		t.Errorf("expected max restart attempts %d, got %d", constants.DefaultMaxRestartAttempts, cfg.MaxRestartAttempts)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("", nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MLXServers.Instances != constants.DefaultInstanceCount {
		t.Errorf("expected default instance count, got %d", cfg.MLXServers.Instances)
	}
}

func TestLoadWithMissingExplicitPathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/to/config.yaml", nil, nil)
	if err != nil {
		t.Fatalf("Load should not error on a missing --config path, got: %v", err)
	}
	if cfg.MLXServers.BasePort != constants.DefaultBasePort {
		t.Errorf("expected fallback to default base port, got %d", cfg.MLXServers.BasePort)
	}
}

func TestLoadWithEnvironmentVariablePrefix(t *testing.T) {
	os.Setenv("FLEET_MLX_SERVERS_INSTANCES", "4")
	defer os.Unsetenv("FLEET_MLX_SERVERS_INSTANCES")

	cfg, err := Load("", nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MLXServers.Instances != 4 {
		t.Errorf("expected env override to set instances to 4, got %d", cfg.MLXServers.Instances)
	}
}
