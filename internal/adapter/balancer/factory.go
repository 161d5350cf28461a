package balancer

import (
	"fmt"
	"sync"
)

// Factory builds a Selector by configured algorithm name.
type Factory struct {
	creators map[string]func(Config) Selector
	mu       sync.RWMutex
}

func NewFactory() *Factory {
	f := &Factory{creators: make(map[string]func(Config) Selector)}
	f.Register(AlgoRoundRobin, func(cfg Config) Selector { return NewRoundRobinSelector(cfg) })
	f.Register(AlgoLeastConnections, func(cfg Config) Selector { return NewLeastConnectionsSelector(cfg) })
	f.Register(AlgoResponseTime, func(cfg Config) Selector { return NewResponseTimeSelector() })
	f.Register(AlgoPerformance, func(cfg Config) Selector { return NewPerformanceSelector(cfg) })
	return f
}

func (f *Factory) Register(name string, creator func(Config) Selector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

func (f *Factory) Create(name string, cfg Config) (Selector, error) {
	f.mu.RLock()
	creator, ok := f.creators[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown load balancer strategy: %s", name)
	}
	return creator(cfg), nil
}

func (f *Factory) AvailableStrategies() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.creators))
	for name := range f.creators {
		out = append(out, name)
	}
	return out
}
