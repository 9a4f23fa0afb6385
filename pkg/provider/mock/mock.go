// Package mock provides a scriptable in-memory adapter used by the core's
// tests and by the daemon's demo mode.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/openvdi/vdibroker/pkg/provider"
)

// machine is the in-memory state of one fake VM.
type machine struct {
	name      string
	running   bool
	deleting  bool
	deleted   bool
	ip        string
	mac       string
}

// Adapter is an in-memory provider.Adapter. Every call is recorded, and each
// operation can be scripted to fail by installing an error via FailWith.
type Adapter struct {
	mu sync.Mutex

	// StopRequired mirrors MustStopBeforeDeletion.
	StopRequired bool

	// SoftShutdown mirrors ShouldTrySoftShutdown.
	SoftShutdown bool

	// InstantDelete makes ExecuteDelete take effect immediately, so the
	// first IsDeleted poll reports true.
	InstantDelete bool

	machines map[string]*machine
	nextID   int
	failures map[string]error
	calls    []string
}

// New creates an empty mock adapter.
func New() *Adapter {
	return &Adapter{
		machines: make(map[string]*machine),
		failures: make(map[string]error),
	}
}

// FailWith scripts op (e.g. "start", "execute_delete") to return err on every
// subsequent call. Passing nil clears the script.
func (a *Adapter) FailWith(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

// Calls returns the recorded call log as "op vmid" strings.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (a *Adapter) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

// Provision seeds a machine directly, bypassing Create. Used by tests that
// start from an already-existing VM.
func (a *Adapter) Provision(vmid string, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machines[vmid] = &machine{name: vmid, running: running, ip: "10.0.0.2", mac: "02:00:00:00:00:02"}
}

// SetRunning flips the running flag of an existing machine.
func (a *Adapter) SetRunning(vmid string, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.machines[vmid]; ok {
		m.running = running
	}
}

// FinishDelete marks a pending deletion as completed.
func (a *Adapter) FinishDelete(vmid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.machines[vmid]; ok && m.deleting {
		m.deleted = true
	}
}

func (a *Adapter) record(op, vmid string) error {
	a.calls = append(a.calls, op+" "+vmid)
	if err, ok := a.failures[op]; ok {
		return err
	}
	return nil
}

func (a *Adapter) lookup(op, vmid string) (*machine, error) {
	m, ok := a.machines[vmid]
	if !ok || m.deleted {
		return nil, provider.NewNotFoundError("machine not found", nil).WithVMID(vmid).WithOp(op)
	}
	return m, nil
}

// Create implements provider.Adapter.
func (a *Adapter) Create(ctx context.Context, req provider.CreateRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("create", req.Name); err != nil {
		return "", err
	}
	a.nextID++
	vmid := fmt.Sprintf("vm-%d", a.nextID)
	a.machines[vmid] = &machine{name: req.Name, ip: "10.0.0.2", mac: "02:00:00:00:00:02"}
	return vmid, nil
}

// Start implements provider.Adapter.
func (a *Adapter) Start(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("start", vmid); err != nil {
		return err
	}
	m, err := a.lookup("start", vmid)
	if err != nil {
		return err
	}
	m.running = true
	return nil
}

// Stop implements provider.Adapter.
func (a *Adapter) Stop(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("stop", vmid); err != nil {
		return err
	}
	m, err := a.lookup("stop", vmid)
	if err != nil {
		return err
	}
	m.running = false
	return nil
}

// Shutdown implements provider.Adapter.
func (a *Adapter) Shutdown(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("shutdown", vmid); err != nil {
		return err
	}
	m, err := a.lookup("shutdown", vmid)
	if err != nil {
		return err
	}
	m.running = false
	return nil
}

// Suspend implements provider.Adapter.
func (a *Adapter) Suspend(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("suspend", vmid); err != nil {
		return err
	}
	m, err := a.lookup("suspend", vmid)
	if err != nil {
		return err
	}
	m.running = false
	return nil
}

// Reset implements provider.Adapter.
func (a *Adapter) Reset(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("reset", vmid); err != nil {
		return err
	}
	m, err := a.lookup("reset", vmid)
	if err != nil {
		return err
	}
	m.running = true
	return nil
}

// Delete implements provider.Adapter.
func (a *Adapter) Delete(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("delete", vmid); err != nil {
		return err
	}
	m, err := a.lookup("delete", vmid)
	if err != nil {
		return err
	}
	m.deleting = true
	if a.InstantDelete {
		m.deleted = true
	}
	return nil
}

// IsRunning implements provider.Adapter.
func (a *Adapter) IsRunning(ctx context.Context, vmid string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("is_running", vmid); err != nil {
		return false, err
	}
	m, err := a.lookup("is_running", vmid)
	if err != nil {
		return false, err
	}
	return m.running, nil
}

// ExecuteDelete implements provider.Adapter.
func (a *Adapter) ExecuteDelete(ctx context.Context, vmid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("execute_delete", vmid); err != nil {
		return err
	}
	m, err := a.lookup("execute_delete", vmid)
	if err != nil {
		return err
	}
	m.deleting = true
	if a.InstantDelete {
		m.deleted = true
	}
	return nil
}

// IsDeleted implements provider.Adapter.
func (a *Adapter) IsDeleted(ctx context.Context, vmid string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("is_deleted", vmid); err != nil {
		return false, err
	}
	m, ok := a.machines[vmid]
	if !ok {
		return true, nil
	}
	return m.deleted, nil
}

// NotifyDeleted implements provider.Adapter.
func (a *Adapter) NotifyDeleted(ctx context.Context, vmid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.record("notify_deleted", vmid)
	delete(a.machines, vmid)
}

// GetIP implements provider.Adapter.
func (a *Adapter) GetIP(ctx context.Context, vmid string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("get_ip", vmid); err != nil {
		return "", err
	}
	m, err := a.lookup("get_ip", vmid)
	if err != nil {
		return "", err
	}
	return m.ip, nil
}

// GetMAC implements provider.Adapter.
func (a *Adapter) GetMAC(ctx context.Context, vmid string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record("get_mac", vmid); err != nil {
		return "", err
	}
	m, err := a.lookup("get_mac", vmid)
	if err != nil {
		return "", err
	}
	return m.mac, nil
}

// MustStopBeforeDeletion implements provider.Adapter.
func (a *Adapter) MustStopBeforeDeletion() bool { return a.StopRequired }

// ShouldTrySoftShutdown implements provider.Adapter.
func (a *Adapter) ShouldTrySoftShutdown() bool { return a.SoftShutdown }
