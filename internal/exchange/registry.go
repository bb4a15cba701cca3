// registry.go maps venue names to adapter factories and caches live
// adapter instances.
//
// The registry is initialised once by the composition root (each venue
// package calls Register from the root's wiring, not from init side
// effects) and torn down via ShutdownAll. Instances are cached by
// (name, credential fingerprint) so repeated Create calls for the same key
// pair reuse the same adapter — and therefore the same connection pool.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory builds an adapter for a venue from credentials.
type Factory func(creds Credentials) (Exchange, error)

// Registry holds venue factories and cached adapter instances.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Exchange // key: name + "/" + fingerprint
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Exchange),
		logger:    logger.With("component", "registry"),
	}
}

// Register installs a factory under the venue name. Registering the same
// name twice is a programmer error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return NewError(ErrInternal, name, "venue already registered")
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered venue names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Create returns the adapter for (name, credentials), constructing it on
// first use and caching it by credential fingerprint afterwards.
func (r *Registry) Create(name string, creds Credentials) (Exchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, NewError(ErrConfig, name, "unknown venue")
	}

	key := name + "/" + creds.Fingerprint()
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	inst, err := factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", name, err)
	}
	r.instances[key] = inst
	return inst, nil
}

// ShutdownAll disconnects every cached adapter in parallel. Each adapter
// gets the per-adapter deadline; one that exceeds it is abandoned — its
// goroutine keeps draining in the background and the instance is dropped
// from the cache regardless.
func (r *Registry) ShutdownAll(ctx context.Context, perAdapter time.Duration) {
	r.mu.Lock()
	instances := make(map[string]Exchange, len(r.instances))
	for k, v := range r.instances {
		instances[k] = v
	}
	r.instances = make(map[string]Exchange)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for key, inst := range instances {
		wg.Add(1)
		go func(key string, inst Exchange) {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, perAdapter)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- inst.Disconnect(dctx) }()

			select {
			case err := <-done:
				if err != nil {
					r.logger.Warn("adapter disconnect failed", "adapter", key, "error", err)
				}
			case <-dctx.Done():
				r.logger.Warn("adapter disconnect deadline exceeded, abandoning", "adapter", key)
			}
		}(key, inst)
	}
	wg.Wait()
}
