package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("strategy already registered")
	ErrNotFound          = errors.New("strategy not found")
)

// Factory builds a fresh strategy instance from parameters.
type Factory func(p Params) Strategy

// Registry is a name to factory mapping. The process-wide default is
// populated with the builtin strategies at init; it is effectively
// read-only afterwards, but registration stays safe for plugins and tests.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Registering an existing name fails.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.factories[name] = f
	return nil
}

// Get instantiates the named strategy with the given parameters. Unknown
// names fail with the available names listed.
func (r *Registry) Get(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrNotFound, name, strings.Join(r.List(), ", "))
	}
	return f(p), nil
}

// IsRegistered reports whether a name is known.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered names sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a name; removing an unknown name fails.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.factories, name)
	return nil
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry holding the builtin
// strategies.
func Default() *Registry { return defaultRegistry }

func init() {
	for name, f := range map[string]Factory{
		NameWeightedAverage: NewWeightedAverage,
		NameArithmeticMean:  NewArithmeticMean,
		NameBestForecaster:  NewBestForecaster,
		NameMedian:          NewMedian,
	} {
		if err := defaultRegistry.Register(name, f); err != nil {
			panic(err)
		}
	}
}
