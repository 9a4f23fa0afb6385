package lifecycle

import (
	"context"
	"fmt"

	"github.com/openvdi/vdibroker/pkg/provider"
)

// HandlerFunc fires the side effect of an operation exactly once. Returning
// ErrRetryLater means the action could not be issued yet; the engine reports
// running and retries nothing until the next external poll.
type HandlerFunc func(ctx context.Context, e *Entity, a provider.Adapter) error

// CheckerFunc polls whether a fired operation has completed. Returning
// (false, nil) or ErrRetryLater suspends the queue until the next poll.
type CheckerFunc func(ctx context.Context, e *Entity, a provider.Adapter) (bool, error)

type tableEntry struct {
	handle HandlerFunc
	check  CheckerFunc
}

// opTable maps each operation to its handler/checker pair. Providers extend
// behavior by replacing entries, not by growing the Op enumeration.
type opTable map[Op]tableEntry

func noopHandler(context.Context, *Entity, provider.Adapter) error { return nil }

func doneChecker(context.Context, *Entity, provider.Adapter) (bool, error) { return true, nil }

// defaultTable builds the stock handler/checker bindings. The teardown ops
// (stop, shutdown, delete and their checkers) absorb not-found errors: a
// machine that is already gone satisfies them by absence.
func defaultTable() opTable {
	t := opTable{
		OpInitialize: {handle: noopHandler, check: doneChecker},

		OpCreate: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				if e.RemoteID != "" {
					// Resumed after a restart; the request already fired.
					return nil
				}
				vmid, err := a.Create(ctx, e.Spec)
				if err != nil {
					return err
				}
				e.RemoteID = vmid
				return nil
			},
			check: doneChecker,
		},
		// Providers whose creation is asynchronous override this entry with
		// a checker that polls the clone/import task.
		OpCreateCompleted: {
			handle: noopHandler,
			check: func(ctx context.Context, e *Entity, a provider.Adapter) (bool, error) {
				if e.RemoteID == "" {
					return false, fmt.Errorf("create completed with no remote id")
				}
				return true, nil
			},
		},

		OpStart: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return a.Start(ctx, e.RemoteID)
			},
			check: doneChecker,
		},
		OpStartCompleted: {
			handle: noopHandler,
			check: func(ctx context.Context, e *Entity, a provider.Adapter) (bool, error) {
				return a.IsRunning(ctx, e.RemoteID)
			},
		},

		OpStop: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return absorbNotFound(a.Stop(ctx, e.RemoteID))
			},
			check: doneChecker,
		},
		OpStopCompleted: {handle: noopHandler, check: stoppedChecker},

		OpShutdown: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return absorbNotFound(a.Shutdown(ctx, e.RemoteID))
			},
			check: doneChecker,
		},
		OpShutdownCompleted: {handle: noopHandler, check: stoppedChecker},

		OpSuspend: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return a.Suspend(ctx, e.RemoteID)
			},
			check: doneChecker,
		},
		OpSuspendCompleted: {handle: noopHandler, check: stoppedChecker},

		OpReset: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return a.Reset(ctx, e.RemoteID)
			},
			check: doneChecker,
		},
		OpResetCompleted: {
			handle: noopHandler,
			check: func(ctx context.Context, e *Entity, a provider.Adapter) (bool, error) {
				return a.IsRunning(ctx, e.RemoteID)
			},
		},

		OpDelete: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return absorbNotFound(a.Delete(ctx, e.RemoteID))
			},
			check: doneChecker,
		},
		OpDeleteCompleted: {
			handle: noopHandler,
			check: func(ctx context.Context, e *Entity, a provider.Adapter) (bool, error) {
				gone, err := a.IsDeleted(ctx, e.RemoteID)
				if provider.IsNotFound(err) {
					return true, nil
				}
				return gone, err
			},
		},

		OpWait: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				// Deadline armed here, observed by the checker.
				return nil
			},
			check: nil, // bound by the engine, needs its clock
		},
		OpNop: {handle: noopHandler, check: doneChecker},

		OpDestroyValidator: {
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				if e.RemoteID == "" {
					// Nothing was ever created remotely; skip the whole
					// teardown and resolve to finished.
					e.setQueue([]Op{OpDestroyValidator, OpFinish})
				}
				return nil
			},
			check: doneChecker,
		},
	}

	for op := OpCustom1; op <= OpCustom9; op++ {
		op := op
		t[op] = tableEntry{
			handle: func(ctx context.Context, e *Entity, a provider.Adapter) error {
				return fmt.Errorf("custom operation %s has no handler installed", op)
			},
			check: doneChecker,
		}
	}

	return t
}

func stoppedChecker(ctx context.Context, e *Entity, a provider.Adapter) (bool, error) {
	running, err := a.IsRunning(ctx, e.RemoteID)
	if provider.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !running, nil
}

func absorbNotFound(err error) error {
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}
