// internal/backend/registry.go
package backend

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// Registry maps backend names to instances. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	backends map[string]schemas.ExecutionBackend
}

// NewRegistry creates a registry with the dry-run backend pre-registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:   logger.Named("backend_registry"),
		backends: make(map[string]schemas.ExecutionBackend),
	}
	r.backends[DryRunName] = NewDryRun()
	return r
}

// Register adds a backend under its own name.
func (r *Registry) Register(b schemas.ExecutionBackend) error {
	if b == nil || b.Name() == "" {
		return fmt.Errorf("cannot register a backend without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q is already registered", b.Name())
	}
	r.backends[b.Name()] = b
	r.logger.Debug("Registered execution backend.", zap.String("name", b.Name()), zap.String("version", b.Version()))
	return nil
}

// Resolve returns the named backend, or nil when it is not registered.
func (r *Registry) Resolve(name string) schemas.ExecutionBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		r.logger.Debug("Backend not registered.", zap.String("name", name))
		return nil
	}
	return b
}

// Resolver adapts the registry to schemas.BackendResolver.
func (r *Registry) Resolver() schemas.BackendResolver { return r.Resolve }

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
