package factory

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/risk"
)

// Deps carries the shared collaborators a backend may need.
type Deps struct {
	Logger  *log.Entry
	Metrics *metrics.Metrics
}

// BackendFactory builds a risk evaluator from the full configuration.
type BackendFactory func(cfg *config.Config, deps Deps) (risk.Evaluator, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]BackendFactory)
)

func init() {
	RegisterBackend("heuristic", func(*config.Config, Deps) (risk.Evaluator, error) {
		return risk.HeuristicEvaluator{}, nil
	})
}

// RegisterBackend registers a risk backend under name. Registering a name twice panics.
func RegisterBackend(name string, factory BackendFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("risk backend '%s' already registered", name))
	}
	registry[name] = factory
}

// Create builds the evaluator selected by cfg.Risk.Backend.
func Create(cfg *config.Config, deps Deps) (risk.Evaluator, error) {
	mu.RLock()
	factory, ok := registry[cfg.Risk.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown risk backend: '%s' (registered: %v)", cfg.Risk.Backend, Backends())
	}

	evaluator, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("error creating risk backend '%s': %w", cfg.Risk.Backend, err)
	}
	if deps.Logger != nil {
		deps.Logger.WithField("backend", cfg.Risk.Backend).Info("Risk backend created")
	}
	return evaluator, nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
