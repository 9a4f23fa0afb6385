package provider

import (
	"context"
	"fmt"
	"sync"
)

// CreateRequest carries everything an adapter needs to bring a new virtual
// machine into existence.
type CreateRequest struct {
	// Name is the display name the machine should carry on the hypervisor.
	Name string

	// TemplateID identifies the master image or template the machine is
	// cloned from. Adapter-specific format.
	TemplateID string

	// Tags allow callers to persist backend-specific metadata that helps
	// identify managed machines.
	Tags map[string]string
}

// Adapter is the per-hypervisor contract consumed by the operation queue
// engine and the deferred deletion reconciler. Every method takes the
// provider-assigned machine identifier. Implementations must return
// *provider.Error values so failures classify cleanly; anything else is
// treated as fatal.
type Adapter interface {
	// Create requests a new machine and returns its provider-assigned
	// identifier once the request has been accepted. Completion is observed
	// separately through the queue engine's checkers.
	Create(ctx context.Context, req CreateRequest) (string, error)

	Start(ctx context.Context, vmid string) error
	Stop(ctx context.Context, vmid string) error
	Shutdown(ctx context.Context, vmid string) error
	Suspend(ctx context.Context, vmid string) error
	Reset(ctx context.Context, vmid string) error

	// Delete issues the lifecycle delete step. Unlike ExecuteDelete it is
	// invoked from inside a queue and may assume the machine was stopped by
	// the preceding queue steps.
	Delete(ctx context.Context, vmid string) error

	IsRunning(ctx context.Context, vmid string) (bool, error)

	// ExecuteDelete fires the actual removal request used by the deferred
	// deletion reconciler.
	ExecuteDelete(ctx context.Context, vmid string) error

	// IsDeleted reports whether a previously issued removal has completed.
	IsDeleted(ctx context.Context, vmid string) (bool, error)

	// NotifyDeleted is a fire-and-forget bookkeeping hook invoked once a
	// machine is confirmed gone.
	NotifyDeleted(ctx context.Context, vmid string)

	GetIP(ctx context.Context, vmid string) (string, error)
	GetMAC(ctx context.Context, vmid string) (string, error)

	// MustStopBeforeDeletion reports whether this hypervisor refuses to
	// delete running machines.
	MustStopBeforeDeletion() bool

	// ShouldTrySoftShutdown reports whether a graceful guest shutdown should
	// be attempted before a hard stop.
	ShouldTrySoftShutdown() bool
}

// Registry maps service identifiers to their adapters. The reconciler
// resolves the adapter for each persisted deletion record through it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a service identifier. Registering the same
// identifier twice replaces the previous adapter.
func (r *Registry) Register(serviceID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[serviceID] = a
}

// Unregister removes a service binding.
func (r *Registry) Unregister(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, serviceID)
}

// Resolve returns the adapter bound to a service identifier.
func (r *Registry) Resolve(serviceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[serviceID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service %q", serviceID)
	}
	return a, nil
}

// ServiceIDs returns the identifiers of all registered services.
func (r *Registry) ServiceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
