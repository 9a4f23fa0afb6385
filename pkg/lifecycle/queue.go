package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openvdi/vdibroker/pkg/provider"
)

// State is the result of one engine poll.
type State string

const (
	// StateRunning means the head operation is still in flight; poll again.
	StateRunning State = "running"

	// StateFinished means the queue drained to completion.
	StateFinished State = "finished"

	// StateErrored means the entity failed; ErrorReason carries the cause.
	StateErrored State = "error"
)

// ErrRetryLater is returned by handlers and checkers to mean "not ready yet,
// but not a failure". From a handler it leaves the action unissued so the
// next poll re-runs it; from a checker it keeps the head operation in place
// without touching the already-issued action.
var ErrRetryLater = errors.New("retry later")

// ErrInvalidState is returned by Seed when the entity already has a queue.
var ErrInvalidState = errors.New("invalid entity state")

// OrphanCollector receives machines whose entity failed after the remote
// resource was already created, so they are torn down instead of leaked.
// Implemented by the deferred deletion reconciler.
type OrphanCollector interface {
	Add(ctx context.Context, serviceID, vmid string, executeLater bool) error
}

// Engine executes entity queues against one provider adapter. It is
// stateless across entities; all progress lives in the entity itself, so a
// process restart between two polls resumes from the persisted queue head.
type Engine struct {
	adapter   provider.Adapter
	table     opTable
	collector OrphanCollector
	log       zerolog.Logger
	waitDelay time.Duration
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCollector installs the deferred-deletion hand-off used when an entity
// errors out with a known remote machine.
func WithCollector(c OrphanCollector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWaitDelay sets how long the wait operation parks an entity.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Engine) { e.waitDelay = d }
}

// WithOperation replaces the handler/checker pair bound to an operation.
// This is how hypervisor-specific behavior (async creation checks, snapshot
// steps on the custom slots) is installed without growing the enumeration.
func WithOperation(op Op, handle HandlerFunc, check CheckerFunc) Option {
	return func(e *Engine) {
		entry := e.table[op]
		if handle != nil {
			entry.handle = handle
		}
		if check != nil {
			entry.check = check
		}
		e.table[op] = entry
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine bound to one adapter.
func NewEngine(adapter provider.Adapter, opts ...Option) *Engine {
	e := &Engine{
		adapter:   adapter,
		table:     defaultTable(),
		log:       zerolog.Nop(),
		waitDelay: 30 * time.Second,
		now:       time.Now,
	}
	e.table[OpWait] = tableEntry{
		handle: func(ctx context.Context, ent *Entity, a provider.Adapter) error {
			ent.WaitUntil = e.now().Add(e.waitDelay)
			return nil
		},
		check: func(ctx context.Context, ent *Entity, a provider.Adapter) (bool, error) {
			return !e.now().Before(ent.WaitUntil), nil
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed installs the queue template for a deployment purpose. It fails with
// ErrInvalidState when the entity already has pending operations.
func (e *Engine) Seed(ent *Entity, purpose Purpose) error {
	if !ent.QueueEmpty() {
		return fmt.Errorf("%w: entity %s already has a queue", ErrInvalidState, ent.ID)
	}

	var q []Op
	switch {
	case ent.Variant == VariantFixed:
		if purpose != DeployForUser {
			return fmt.Errorf("%w: fixed entities cannot be cached (purpose %s)", ErrInvalidState, purpose)
		}
		q = []Op{OpInitialize, OpStart, OpStartCompleted, OpFinish}

	case purpose == DeployForUser:
		ent.CacheLevel = CacheNone
		q = []Op{OpInitialize, OpCreate, OpCreateCompleted, OpStart, OpStartCompleted, OpFinish}

	case purpose == DeployForCacheL1:
		ent.CacheLevel = CacheL1
		q = []Op{OpInitialize, OpCreate, OpCreateCompleted, OpStart, OpStartCompleted, OpFinish}

	case purpose == DeployForCacheL2:
		// L2 spares are created, settled, then left suspended so assignment
		// only has to resume them.
		ent.CacheLevel = CacheL2
		q = []Op{OpInitialize, OpCreate, OpCreateCompleted, OpStart, OpStartCompleted,
			OpWait, OpSuspend, OpSuspendCompleted, OpFinish}

	default:
		return fmt.Errorf("%w: unknown purpose %s", ErrInvalidState, purpose)
	}

	ent.setQueue(q)
	e.log.Debug().Str("entity", ent.ID).Str("purpose", string(purpose)).Msg("queue seeded")
	return nil
}

// Execute fires the handler of the head operation and resolves as far as the
// queue allows synchronously: when a handler's checker reports immediate
// completion the head is popped and the next handler fires within the same
// call, so several trivial steps collapse into one scheduler tick.
func (e *Engine) Execute(ctx context.Context, ent *Entity) State {
	// The bound guards against a pathological table entry re-growing the
	// queue on every pass.
	for range 64 {
		op, ok := ent.Head()
		if !ok || op == OpFinish {
			return StateFinished
		}
		if op == OpError {
			return StateErrored
		}

		entry, found := e.table[op]
		if !found || entry.handle == nil {
			return e.fail(ctx, ent, fmt.Errorf("operation %s has no handler", op))
		}

		if !ent.fired {
			if err := entry.handle(ctx, ent, e.adapter); err != nil {
				if errors.Is(err, ErrRetryLater) {
					// The action was not issued; the next poll re-runs the
					// handler.
					return StateRunning
				}
				return e.fail(ctx, ent, err)
			}
			ent.fired = true
		}

		done, err := entry.check(ctx, ent, e.adapter)
		if err != nil {
			if errors.Is(err, ErrRetryLater) {
				return StateRunning
			}
			return e.fail(ctx, ent, err)
		}
		if !done {
			return StateRunning
		}
		ent.pop()
	}
	return e.fail(ctx, ent, fmt.Errorf("queue did not settle after 64 chained operations"))
}

// Check polls the checker of the head operation. Completion pops the head
// and hands control to Execute for the next step; a handler that already ran
// is never re-invoked.
func (e *Engine) Check(ctx context.Context, ent *Entity) State {
	op, ok := ent.Head()
	if !ok || op == OpFinish {
		return StateFinished
	}
	if op == OpError {
		return StateErrored
	}

	// The head's action was never issued, or its issue attempt asked to be
	// retried. Resume through Execute so the handler runs first.
	if !ent.fired {
		return e.Execute(ctx, ent)
	}

	entry, found := e.table[op]
	if !found || entry.check == nil {
		return e.fail(ctx, ent, fmt.Errorf("operation %s has no checker", op))
	}

	done, err := entry.check(ctx, ent, e.adapter)
	if err != nil {
		if errors.Is(err, ErrRetryLater) {
			return StateRunning
		}
		return e.fail(ctx, ent, err)
	}
	if !done {
		return StateRunning
	}

	ent.pop()
	return e.Execute(ctx, ent)
}

// Cancel reshapes the queue into a teardown path. The operation currently in
// flight is preserved so its checker can finish naturally; everything after
// it is replaced. Dynamic entities get the full stop-and-delete sequence,
// guarded by the destroy validator which skips deletion outright when no
// remote machine was ever created. Fixed entities only release the borrowed
// machine: stop, no delete.
func (e *Engine) Cancel(ent *Entity) {
	var tail []Op
	tail = append(tail, OpDestroyValidator)
	if e.adapter.ShouldTrySoftShutdown() {
		tail = append(tail, OpShutdown, OpShutdownCompleted)
	}
	tail = append(tail, OpStop, OpStopCompleted)
	if ent.Variant != VariantFixed {
		tail = append(tail, OpDelete, OpDeleteCompleted)
	}
	tail = append(tail, OpFinish)

	ent.replaceTail(tail)
	e.log.Debug().Str("entity", ent.ID).Msg("entity cancelled")
}

// fail moves the entity to the error state. When a remote machine is already
// known it is handed to the orphan collector so it is reclaimed in the
// background rather than leaked.
func (e *Engine) fail(ctx context.Context, ent *Entity, cause error) State {
	ent.ErrorReason = cause.Error()
	e.log.Error().Err(cause).
		Str("entity", ent.ID).
		Str("remote_id", ent.RemoteID).
		Msg("entity moved to error state")

	if ent.RemoteID != "" && e.collector != nil {
		if err := e.collector.Add(ctx, ent.ServiceID, ent.RemoteID, true); err != nil {
			e.log.Error().Err(err).
				Str("entity", ent.ID).
				Str("remote_id", ent.RemoteID).
				Msg("failed to schedule orphan cleanup")
		}
	}

	ent.setQueue([]Op{OpError})
	return StateErrored
}
