// Package provider defines the external-effect sink contract the executor
// invokes, a registry of named providers, and the Provider error taxonomy.
// Concrete drivers (webhookprovider, slackprovider, ...) are opaque sinks
// behind this contract; the gateway core never depends on one directly.
package provider

import (
	"context"
	"sync"

	"github.com/jordigilh/actiongateway/pkg/core"
)

// DispatchContext carries ambient information a Provider may need beyond
// the action itself: the original (pre-reroute) provider name, request
// tracing fields, and the attempt number within the executor's retry loop.
type DispatchContext struct {
	OriginalProvider string
	Attempt          int
	TraceID          string
}

// Provider is the uniform contract every external-effect sink implements.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider's registry name.
	Name() string
	// Execute performs the effect for action and returns its response, or
	// a *Error classifying the failure.
	Execute(ctx context.Context, action *core.Action, dctx DispatchContext) (*core.ProviderResponse, error)
	// HealthCheck reports whether the provider's downstream dependency is
	// reachable, returning a *Error if not.
	HealthCheck(ctx context.Context) error
}

// Registry maps provider names to live Provider instances, used by the
// executor to resolve a target and by the control interface's
// health_check_providers/list_provider_health operations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under its own Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get resolves a provider by name, or ErrNotFound.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, NewError(ErrNotFound, "provider "+name+" not registered", false)
	}
	return p, nil
}

// Names lists every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// HealthStatus is one provider's health_check result, for
// list_provider_health.
type HealthStatus struct {
	Provider string
	Healthy  bool
	Error    string
}

// HealthCheckAll runs HealthCheck against every registered provider
// concurrently and reports a status per provider.
func (r *Registry) HealthCheckAll(ctx context.Context) []HealthStatus {
	names := r.Names()
	out := make([]HealthStatus, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			p, err := r.Get(name)
			if err != nil {
				out[i] = HealthStatus{Provider: name, Healthy: false, Error: err.Error()}
				return
			}
			if err := p.HealthCheck(ctx); err != nil {
				out[i] = HealthStatus{Provider: name, Healthy: false, Error: err.Error()}
				return
			}
			out[i] = HealthStatus{Provider: name, Healthy: true}
		}(i, name)
	}
	wg.Wait()
	return out
}
