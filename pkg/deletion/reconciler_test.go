package deletion

import (
	"context"
	"testing"
	"time"

	"github.com/openvdi/vdibroker/pkg/provider"
	"github.com/openvdi/vdibroker/pkg/provider/mock"
	"github.com/openvdi/vdibroker/pkg/stores"
)

func testConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		RetriesToRetry:      3,
		MaxRetryableRetries: 5,
		MaxFatalRetries:     3,
		MaxTotalRetries:     100,
		MaxDeletionsAtOnce:  32,
		ProviderCallRate:    1000,
		ProviderCallBurst:   1000,
	}
}

func newTestReconciler(t *testing.T, cfg Config, adapter *mock.Adapter) (*Reconciler, *time.Time) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register("svc1", adapter)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(cfg, registry, stores.NewMemoryStore(),
		WithClock(func() time.Time { return now }))
	return r, &now
}

func pending(t *testing.T, r *Reconciler, group Group) int {
	t.Helper()
	p, err := r.Pending(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return p[group]
}

func TestAdd_ExecuteLaterGroupChoice(t *testing.T) {
	tests := []struct {
		name         string
		stopRequired bool
		want         Group
	}{
		{"stop required", true, GroupToStop},
		{"direct delete", false, GroupToDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := mock.New()
			adapter.StopRequired = tt.stopRequired
			adapter.Provision("vm-1", true)
			r, _ := newTestReconciler(t, testConfig(), adapter)

			if err := r.Add(context.Background(), "svc1", "vm-1", true); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got := pending(t, r, tt.want); got != 1 {
				t.Errorf("Expected 1 record in %s, got %d", tt.want, got)
			}
			if len(adapter.Calls()) != 0 {
				t.Errorf("Expected no provider calls with executeLater, got: %v", adapter.Calls())
			}
		})
	}
}

func TestAdd_UnknownServiceFails(t *testing.T) {
	r, _ := newTestReconciler(t, testConfig(), mock.New())

	if err := r.Add(context.Background(), "missing", "vm-1", true); err == nil {
		t.Fatal("Expected an error for an unregistered service")
	}
}

func TestAdd_ImmediateStopsRunningMachine(t *testing.T) {
	adapter := mock.New()
	adapter.StopRequired = true
	adapter.Provision("vm-1", true)
	r, _ := newTestReconciler(t, testConfig(), adapter)

	if err := r.Add(context.Background(), "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("stop") != 1 {
		t.Errorf("Expected 1 stop call, got %d", adapter.CallCount("stop"))
	}
	if got := pending(t, r, GroupStopping); got != 1 {
		t.Errorf("Expected 1 record in %s, got %d", GroupStopping, got)
	}
}

func TestAdd_ImmediateDeletesStoppedMachine(t *testing.T) {
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	r, _ := newTestReconciler(t, testConfig(), adapter)

	if err := r.Add(context.Background(), "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("execute_delete") != 1 {
		t.Errorf("Expected 1 delete call, got %d", adapter.CallCount("execute_delete"))
	}
	if got := pending(t, r, GroupDeleting); got != 1 {
		t.Errorf("Expected 1 record in %s, got %d", GroupDeleting, got)
	}
}

func TestAdd_MachineAlreadyGone(t *testing.T) {
	adapter := mock.New()
	adapter.StopRequired = true
	r, _ := newTestReconciler(t, testConfig(), adapter)

	if err := r.Add(context.Background(), "svc1", "vm-ghost", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p, err := r.Pending(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected no records, got %d in %s", n, g)
		}
	}
}

func TestRun_StoppedMachineDrainsInOneSweep(t *testing.T) {
	adapter := mock.New()
	adapter.StopRequired = true
	adapter.InstantDelete = true
	adapter.Provision("vm-1", false)
	r, _ := newTestReconciler(t, testConfig(), adapter)
	ctx := context.Background()

	if err := r.Add(ctx, "svc1", "vm-1", true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	p, err := r.Pending(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected sweep to drain all groups, got %d in %s", n, g)
		}
	}
	if adapter.CallCount("execute_delete") != 1 {
		t.Errorf("Expected 1 delete call, got %d", adapter.CallCount("execute_delete"))
	}
	if adapter.CallCount("notify_deleted") == 0 {
		t.Error("Expected the adapter to be told about the confirmed deletion")
	}
}

func TestRun_RunningMachineStopsThenDeletes(t *testing.T) {
	adapter := mock.New()
	adapter.StopRequired = true
	adapter.InstantDelete = true
	adapter.Provision("vm-1", true)
	r, now := newTestReconciler(t, testConfig(), adapter)
	ctx := context.Background()

	if err := r.Add(ctx, "svc1", "vm-1", true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// First sweep issues the stop and reschedules the poll.
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("stop") != 1 {
		t.Errorf("Expected 1 stop call, got %d", adapter.CallCount("stop"))
	}
	if got := pending(t, r, GroupStopping); got != 1 {
		t.Errorf("Expected 1 record in %s, got %d", GroupStopping, got)
	}

	// Once due again, the stopped machine falls through to delete-confirmed
	// within a single sweep.
	*now = now.Add(time.Minute)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p, err := r.Pending(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected all groups drained, got %d in %s", n, g)
		}
	}
	calls := adapter.Calls()
	if adapter.CallCount("execute_delete") != 1 {
		t.Errorf("Expected 1 delete call, got calls: %v", calls)
	}
}

func TestRun_NextCheckGatesPolling(t *testing.T) {
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	r, now := newTestReconciler(t, testConfig(), adapter)
	ctx := context.Background()

	// Lands in the deleting group with an issued (but unfinished) delete.
	if err := r.Add(ctx, "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	polls := adapter.CallCount("is_deleted")
	if polls != 1 {
		t.Fatalf("Expected 1 poll, got %d", polls)
	}

	// Not due yet: the record must not be touched.
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("is_deleted") != polls {
		t.Error("Expected no poll before the next check time")
	}

	*now = now.Add(time.Minute)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("is_deleted") != polls+1 {
		t.Error("Expected a poll once the record is due again")
	}
}

func TestRun_ReissuesDeleteAfterStalledPolls(t *testing.T) {
	cfg := testConfig()
	cfg.RetriesToRetry = 2
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	r, now := newTestReconciler(t, cfg, adapter)
	ctx := context.Background()

	if err := r.Add(ctx, "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("execute_delete") != 1 {
		t.Fatalf("Expected the initial delete call, got %d", adapter.CallCount("execute_delete"))
	}

	// Two stalled polls trigger a second delete request.
	for range 2 {
		*now = now.Add(time.Minute)
		if err := r.Run(ctx); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if adapter.CallCount("execute_delete") != 2 {
		t.Errorf("Expected the delete to be re-issued, got %d calls", adapter.CallCount("execute_delete"))
	}

	// Completing the deletion drains the record.
	adapter.FinishDelete("vm-1")
	*now = now.Add(time.Minute)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := pending(t, r, GroupDeleting); got != 0 {
		t.Errorf("Expected the deleting group drained, got %d", got)
	}
}

func TestRun_RetryableCeilingGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryableRetries = 2
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	adapter.FailWith("execute_delete", provider.NewRetryableError("api overloaded", nil))
	r, now := newTestReconciler(t, cfg, adapter)
	ctx := context.Background()

	if err := r.Add(ctx, "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := pending(t, r, GroupToDelete); got != 1 {
		t.Fatalf("Expected failed delete to stay in %s, got %d records", GroupToDelete, got)
	}

	// The second retryable failure reaches the ceiling and drops the record.
	*now = now.Add(time.Minute)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p, err := r.Pending(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected give-up to drop the record, got %d in %s", n, g)
		}
	}
}

func TestRun_FatalCeilingGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFatalRetries = 1
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	adapter.FailWith("execute_delete", provider.NewFatalError("disk image corrupt", nil))
	r, _ := newTestReconciler(t, cfg, adapter)
	ctx := context.Background()

	if err := r.Add(ctx, "svc1", "vm-1", false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p, err := r.Pending(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected immediate give-up on fatal ceiling, got %d in %s", n, g)
		}
	}
}

func TestRun_NotFoundIsSuccessByAbsence(t *testing.T) {
	adapter := mock.New()
	r, _ := newTestReconciler(t, testConfig(), adapter)
	ctx := context.Background()

	// Scheduled for later, but the machine disappears before the sweep.
	if err := r.Add(ctx, "svc1", "vm-ghost", true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	p, err := r.Pending(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for g, n := range p {
		if n != 0 {
			t.Errorf("Expected absent machine to satisfy deletion, got %d in %s", n, g)
		}
	}
}

func TestRun_MaxDeletionsAtOnceCapsSweep(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDeletionsAtOnce = 1
	adapter := mock.New()
	adapter.Provision("vm-1", false)
	adapter.Provision("vm-2", false)
	r, now := newTestReconciler(t, cfg, adapter)
	ctx := context.Background()

	for _, vmid := range []string{"vm-1", "vm-2"} {
		if err := r.Add(ctx, "svc1", vmid, false); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if got := pending(t, r, GroupDeleting); got != 2 {
		t.Fatalf("Expected 2 records in %s, got %d", GroupDeleting, got)
	}
	polls := adapter.CallCount("is_deleted")

	*now = now.Add(time.Minute)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.CallCount("is_deleted") != polls+1 {
		t.Errorf("Expected the cap to allow 1 poll per sweep, got %d", adapter.CallCount("is_deleted")-polls)
	}
}

func TestRun_GroupMovePreservesLifetimeCounters(t *testing.T) {
	adapter := mock.New()
	adapter.StopRequired = true
	adapter.Provision("vm-1", false)
	cfg := testConfig()
	// One token and next to no refill: the promoted record cannot be touched
	// again within the same sweep, so its counters are observable at the
	// group boundary.
	cfg.ProviderCallRate = 0.001
	cfg.ProviderCallBurst = 1
	r, _ := newTestReconciler(t, cfg, adapter)
	ctx := context.Background()

	rec := &Record{ServiceID: "svc1", VMID: "vm-1", TotalRetries: 4, FatalRetries: 1, Retries: 2}
	if err := r.put(ctx, GroupStopping, rec); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The machine is already stopped, so the sweep moves the record on.
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := pending(t, r, GroupToDelete); got != 1 {
		t.Fatalf("Expected 1 record in %s, got %d", GroupToDelete, got)
	}

	data, err := r.groups[GroupToDelete].Get(ctx, rec.Key())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	moved, err := decodeRecord(data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if moved.Retries != 0 {
		t.Errorf("Expected in-group retries reset to 0 on the move, got %d", moved.Retries)
	}
	if moved.TotalRetries != 4 {
		t.Errorf("Expected total retries preserved at 4, got %d", moved.TotalRetries)
	}
	if moved.FatalRetries != 1 {
		t.Errorf("Expected fatal retries preserved at 1, got %d", moved.FatalRetries)
	}
}

func TestRecordKey_OnePerMachinePerService(t *testing.T) {
	a := &Record{ServiceID: "svc1", VMID: "vm-1"}
	b := &Record{ServiceID: "svc1", VMID: "vm-1"}
	if a.Key() != b.Key() {
		t.Errorf("Expected identical keys, got %q and %q", a.Key(), b.Key())
	}
	c := &Record{ServiceID: "svc2", VMID: "vm-1"}
	if a.Key() == c.Key() {
		t.Error("Expected keys to differ across services")
	}
}
