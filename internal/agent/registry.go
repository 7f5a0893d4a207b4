package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrUnknownEngine is returned when a requested engine type is not registered.
var ErrUnknownEngine = errors.New("agent: unknown engine type") //nolint:gochecknoglobals // sentinel error

// EngineOptions carries what engine factories may need. Fields irrelevant to
// an engine type are ignored by its factory.
type EngineOptions struct {
	Runtime *DockerRuntime
	URL     string
	Image   string
	Cmd     []string
	Timeout time.Duration
}

// EngineFactory creates an Engine for a given engine type.
type EngineFactory func(opts EngineOptions) (Engine, error)

// Registry manages engine factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]EngineFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]EngineFactory),
	}
}

// Register adds an engine factory for an engine type.
func (r *Registry) Register(engineType string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engineType] = factory
}

// Create instantiates an engine of the given type.
func (r *Registry) Create(engineType string, opts EngineOptions) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[engineType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", engineType, ErrUnknownEngine)
	}

	engine, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", engineType, err)
	}

	return engine, nil
}

// Available returns registered engine type names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.factories {
			if !yield(name) {
				return
			}
		}
	})
	sort.Strings(names)

	return names
}
