package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openvdi/vdibroker/pkg/provider"
	"github.com/openvdi/vdibroker/pkg/stores"
	"github.com/openvdi/vdibroker/pkg/telemetry"
)

// AdmissionRequest is what the admission gate sees before a deployment is
// accepted.
type AdmissionRequest struct {
	ServiceID string  `json:"service_id"`
	Kind      Kind    `json:"kind"`
	Variant   Variant `json:"variant"`
	Purpose   Purpose `json:"purpose"`
	Name      string  `json:"name"`

	// Live is the number of non-terminal entities the service already has.
	Live int `json:"live"`
}

// AdmissionGate decides whether a deployment may proceed. Implemented by the
// policy engine; a nil gate admits everything.
type AdmissionGate interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// Manager owns the set of live entities. Entities are persisted on every
// transition, so the set survives restarts; the store is the source of truth
// and the manager keeps no in-memory copy between ticks.
type Manager struct {
	store     stores.Storage
	registry  *provider.Registry
	collector OrphanCollector
	gate      AdmissionGate
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	log       zerolog.Logger

	engineOpts []Option

	mu      sync.Mutex
	engines map[string]*Engine
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l.With().Str("component", "lifecycle-manager").Logger() }
}

// WithMetrics installs the metrics collector.
func WithMetrics(mt *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer installs the tracer wrapping every entity poll in a span.
func WithTracer(tr *telemetry.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tr }
}

// WithAdmissionGate installs the deployment admission gate.
func WithAdmissionGate(g AdmissionGate) ManagerOption {
	return func(m *Manager) { m.gate = g }
}

// WithOrphanCollector installs the deferred-deletion hand-off passed to every
// engine the manager builds.
func WithOrphanCollector(c OrphanCollector) ManagerOption {
	return func(m *Manager) { m.collector = c }
}

// WithEngineOptions appends options applied to every engine the manager
// builds, such as provider-specific operation overrides.
func WithEngineOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// NewManager creates a manager persisting entities in store and resolving
// adapters through registry.
func NewManager(store stores.Storage, registry *provider.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		log:      zerolog.Nop(),
		engines:  make(map[string]*Engine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// engine returns the cached engine for a service, building it on first use.
func (m *Manager) engine(serviceID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[serviceID]; ok {
		return eng, nil
	}

	adapter, err := m.registry.Resolve(serviceID)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(m.log.With().Str("service", serviceID).Logger()),
	}
	if m.collector != nil {
		opts = append(opts, WithCollector(m.collector))
	}
	// Adapters with asynchronous operations bring their own overrides.
	if p, ok := adapter.(interface{ EngineOptions() []Option }); ok {
		opts = append(opts, p.EngineOptions()...)
	}
	opts = append(opts, m.engineOpts...)

	eng := NewEngine(adapter, opts...)
	m.engines[serviceID] = eng
	return eng, nil
}

// Deploy admits, seeds, and starts a new entity. The entity is persisted
// before the first engine pass so a crash mid-deploy leaves a resumable
// record rather than nothing.
func (m *Manager) Deploy(ctx context.Context, serviceID string, kind Kind, variant Variant, purpose Purpose, spec provider.CreateRequest) (*Entity, error) {
	eng, err := m.engine(serviceID)
	if err != nil {
		return nil, err
	}

	if m.gate != nil {
		live, err := m.countLive(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		req := AdmissionRequest{
			ServiceID: serviceID,
			Kind:      kind,
			Variant:   variant,
			Purpose:   purpose,
			Name:      spec.Name,
			Live:      live,
		}
		if err := m.gate.Admit(ctx, req); err != nil {
			return nil, fmt.Errorf("deployment rejected: %w", err)
		}
	}

	ent := NewEntity(serviceID, kind, variant, spec)
	if err := eng.Seed(ent, purpose); err != nil {
		return nil, err
	}
	if err := m.put(ctx, ent); err != nil {
		return nil, err
	}
	m.metrics.RecordDeploymentSeeded(string(purpose))

	m.log.Info().
		Str("entity", ent.ID).
		Str("service", serviceID).
		Str("purpose", string(purpose)).
		Msg("Deployment started")

	state := eng.Execute(ctx, ent)
	return ent, m.settle(ctx, ent, state)
}

// Resume re-attaches a persisted fixed entity to an existing machine and
// starts it for a user.
func (m *Manager) Resume(ctx context.Context, serviceID, remoteID, name string) (*Entity, error) {
	eng, err := m.engine(serviceID)
	if err != nil {
		return nil, err
	}

	ent := NewEntity(serviceID, KindUserService, VariantFixed, provider.CreateRequest{Name: name})
	ent.RemoteID = remoteID
	if err := eng.Seed(ent, DeployForUser); err != nil {
		return nil, err
	}
	if err := m.put(ctx, ent); err != nil {
		return nil, err
	}
	m.metrics.RecordDeploymentSeeded(string(DeployForUser))

	state := eng.Execute(ctx, ent)
	return ent, m.settle(ctx, ent, state)
}

// Cancel reshapes an entity's queue into teardown. The next poll drives the
// teardown; cancel itself only rewrites the queue.
func (m *Manager) Cancel(ctx context.Context, entityID string) error {
	ent, err := m.Get(ctx, entityID)
	if err != nil {
		return err
	}
	if op, ok := ent.Head(); !ok || op == OpError {
		return fmt.Errorf("%w: entity %s is not running", ErrInvalidState, entityID)
	}

	eng, err := m.engine(ent.ServiceID)
	if err != nil {
		return err
	}
	eng.Cancel(ent)

	m.log.Info().Str("entity", ent.ID).Msg("Entity cancelled")
	return m.put(ctx, ent)
}

// CheckAll polls every non-terminal entity once. Finished entities are
// removed from the store; errored entities stay for inspection but are never
// polled again.
func (m *Manager) CheckAll(ctx context.Context) error {
	ents, err := m.List(ctx)
	if err != nil {
		return err
	}

	live := 0
	var firstErr error
	for _, ent := range ents {
		op, ok := ent.Head()
		if !ok {
			// Drained queue with no finish marker; treat as finished.
			if err := m.store.Delete(ctx, ent.ID); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if op == OpError {
			continue
		}

		if err := m.checkOne(ctx, ent); err != nil && firstErr == nil {
			firstErr = err
		}
		if op, ok := ent.Head(); ok && op != OpError && op != OpFinish {
			live++
		}
	}

	m.metrics.SetEntitiesLive(live)
	return firstErr
}

// checkOne runs one engine poll for an entity and persists the outcome.
func (m *Manager) checkOne(ctx context.Context, ent *Entity) error {
	op, _ := ent.Head()
	ctx, span := m.tracer.StartEntitySpan(ctx, ent.ID, op.String())
	defer span.End()

	eng, err := m.engine(ent.ServiceID)
	if err != nil {
		// A service may disappear from configuration while its entities are
		// still persisted. Freeze the entity in the error state.
		telemetry.RecordError(span, err)
		ent.ErrorReason = err.Error()
		ent.setQueue([]Op{OpError})
		m.metrics.RecordEntityTerminal("error")
		m.log.Error().Err(err).Str("entity", ent.ID).Msg("Entity frozen, service unresolvable")
		return m.put(ctx, ent)
	}

	timer := telemetry.NewTimer()
	state := eng.Check(ctx, ent)
	m.metrics.ObserveCheck(timer.Duration())
	if state == StateErrored {
		telemetry.RecordError(span, errors.New(ent.ErrorReason))
	} else {
		telemetry.RecordSuccess(span)
	}

	return m.settle(ctx, ent, state)
}

// settle persists an entity according to the state one engine pass returned.
func (m *Manager) settle(ctx context.Context, ent *Entity, state State) error {
	switch state {
	case StateFinished:
		m.metrics.RecordEntityTerminal("finished")
		m.log.Info().
			Str("entity", ent.ID).
			Str("remote_id", ent.RemoteID).
			Msg("Entity finished")
		return m.store.Delete(ctx, ent.ID)

	case StateErrored:
		m.metrics.RecordEntityTerminal("error")
		return m.put(ctx, ent)

	default:
		return m.put(ctx, ent)
	}
}

// Get loads one entity by ID.
func (m *Manager) Get(ctx context.Context, entityID string) (*Entity, error) {
	data, err := m.store.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("entity %s not found: %w", entityID, err)
		}
		return nil, err
	}
	return DecodeEntity(data)
}

// List loads all persisted entities ordered by ID.
func (m *Manager) List(ctx context.Context) ([]*Entity, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	ents := make([]*Entity, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ent, err := DecodeEntity(data)
		if err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Skipping undecodable entity record")
			continue
		}
		ents = append(ents, ent)
	}
	return ents, nil
}

// countLive counts non-terminal entities for one service.
func (m *Manager) countLive(ctx context.Context, serviceID string) (int, error) {
	ents, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range ents {
		if ent.ServiceID != serviceID {
			continue
		}
		if op, ok := ent.Head(); ok && op != OpError {
			n++
		}
	}
	return n, nil
}

// put persists one entity under its ID.
func (m *Manager) put(ctx context.Context, ent *Entity) error {
	data, err := ent.Encode()
	if err != nil {
		return err
	}
	return m.store.Put(ctx, ent.ID, data)
}
