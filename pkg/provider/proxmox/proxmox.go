// Package proxmox implements the provider adapter for Proxmox VE clusters.
// Machines are full clones of a template VM; all power and delete requests
// are asynchronous on the Proxmox side, so completion is observed by the
// queue engine's checkers rather than by waiting on tasks.
package proxmox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	proxmoxapi "github.com/luthermonson/go-proxmox"
	"github.com/rs/zerolog"

	"github.com/openvdi/vdibroker/pkg/provider"
)

// Options captures the connection and behavior settings for one Proxmox
// service.
type Options struct {
	// URL is the API endpoint, e.g. https://pve.example.com:8006/api2/json.
	URL string

	// TokenID is the API token identifier (user@realm!tokenname).
	TokenID string

	// Secret is the API token secret.
	Secret string

	// Node is the cluster node machines are created on.
	Node string

	// Pool is an optional resource pool new machines join.
	Pool string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// TrySoftShutdown prefers a guest shutdown over a hard stop.
	TrySoftShutdown bool
}

// Adapter drives virtual machines on a Proxmox VE cluster.
type Adapter struct {
	client *proxmoxapi.Client
	opts   Options
	log    zerolog.Logger
}

// New creates an adapter for one Proxmox service.
func New(opts Options, logger zerolog.Logger) (*Adapter, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("proxmox url is required")
	}
	if opts.Node == "" {
		return nil, fmt.Errorf("proxmox node is required")
	}

	httpClient := &http.Client{}
	if opts.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402
		}
	}

	client := proxmoxapi.NewClient(
		opts.URL,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(opts.TokenID, opts.Secret),
	)

	return &Adapter{
		client: client,
		opts:   opts,
		log:    logger.With().Str("component", "proxmox-adapter").Str("node", opts.Node).Logger(),
	}, nil
}

// Create clones the template into a new machine and returns the new VMID.
// The clone task keeps running on the Proxmox side after this returns.
func (a *Adapter) Create(ctx context.Context, req provider.CreateRequest) (string, error) {
	templateID, err := strconv.Atoi(req.TemplateID)
	if err != nil {
		return "", provider.NewFatalError(fmt.Sprintf("invalid template id %q", req.TemplateID), err).WithOp("create")
	}

	node, err := a.client.Node(ctx, a.opts.Node)
	if err != nil {
		return "", a.classify(err, "", "create")
	}

	template, err := node.VirtualMachine(ctx, templateID)
	if err != nil {
		return "", a.classify(err, req.TemplateID, "create")
	}

	cluster, err := a.client.Cluster(ctx)
	if err != nil {
		return "", a.classify(err, "", "create")
	}
	newID, err := cluster.NextID(ctx)
	if err != nil {
		return "", a.classify(err, "", "create")
	}

	// Full clone so deleting the template later cannot orphan linked disks.
	cloneOpts := proxmoxapi.VirtualMachineCloneOptions{
		NewID: newID,
		Name:  req.Name,
		Pool:  a.opts.Pool,
		Full:  1,
	}
	if _, _, err := template.Clone(ctx, &cloneOpts); err != nil {
		return "", a.classify(err, req.TemplateID, "create")
	}

	vmid := strconv.Itoa(newID)
	a.log.Info().
		Str("vmid", vmid).
		Str("template", req.TemplateID).
		Str("name", req.Name).
		Msg("Clone requested")
	return vmid, nil
}

// CreateSettled reports whether a clone has finished, meaning the machine
// exists and carries no config lock.
func (a *Adapter) CreateSettled(ctx context.Context, vmid string) (bool, error) {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		if provider.IsNotFound(err) {
			// Clone target not visible yet.
			return false, nil
		}
		return false, err
	}
	return vm.Lock == "", nil
}

func (a *Adapter) Start(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Start(ctx); err != nil {
		return a.classify(err, vmid, "start")
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Stop(ctx); err != nil {
		return a.classify(err, vmid, "stop")
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Shutdown(ctx); err != nil {
		return a.classify(err, vmid, "shutdown")
	}
	return nil
}

func (a *Adapter) Suspend(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Pause(ctx); err != nil {
		return a.classify(err, vmid, "suspend")
	}
	return nil
}

func (a *Adapter) Reset(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Reset(ctx); err != nil {
		return a.classify(err, vmid, "reset")
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, vmid string) error {
	return a.ExecuteDelete(ctx, vmid)
}

// ExecuteDelete issues the removal request. The delete task keeps running on
// the Proxmox side; IsDeleted observes its completion.
func (a *Adapter) ExecuteDelete(ctx context.Context, vmid string) error {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return err
	}
	if _, err := vm.Delete(ctx); err != nil {
		return a.classify(err, vmid, "delete")
	}
	a.log.Info().Str("vmid", vmid).Msg("Delete requested")
	return nil
}

func (a *Adapter) IsRunning(ctx context.Context, vmid string) (bool, error) {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return false, err
	}
	return vm.Status == "running", nil
}

func (a *Adapter) IsDeleted(ctx context.Context, vmid string) (bool, error) {
	_, err := a.vm(ctx, vmid)
	if provider.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (a *Adapter) NotifyDeleted(ctx context.Context, vmid string) {
	a.log.Info().Str("vmid", vmid).Msg("Machine deleted")
}

// GetIP returns the first non-loopback IPv4 address reported by the guest
// agent.
func (a *Adapter) GetIP(ctx context.Context, vmid string) (string, error) {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return "", err
	}

	ifaces, err := vm.AgentGetNetworkIFaces(ctx)
	if err != nil {
		return "", a.classify(err, vmid, "get_ip")
	}
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType == "ipv4" && addr.IPAddress != "" {
				return addr.IPAddress, nil
			}
		}
	}
	return "", provider.NewRetryableError("guest agent reported no address", nil).WithVMID(vmid).WithOp("get_ip")
}

// GetMAC returns the MAC address of the machine's first network interface,
// parsed from the net0 device of the config the lookup already loaded.
func (a *Adapter) GetMAC(ctx context.Context, vmid string) (string, error) {
	vm, err := a.vm(ctx, vmid)
	if err != nil {
		return "", err
	}

	mac := macFromConfig(vm.VirtualMachineConfig)
	if mac == "" {
		return "", provider.NewFatalError(fmt.Sprintf("machine %s has no net0 device", vmid), nil).WithVMID(vmid).WithOp("get_mac")
	}
	return mac, nil
}

// MustStopBeforeDeletion is true: Proxmox refuses to delete running machines
// unless forced, and forcing hides guest shutdown problems.
func (a *Adapter) MustStopBeforeDeletion() bool { return true }

func (a *Adapter) ShouldTrySoftShutdown() bool { return a.opts.TrySoftShutdown }

// vm resolves the node-scoped VM handle for a VMID.
func (a *Adapter) vm(ctx context.Context, vmid string) (*proxmoxapi.VirtualMachine, error) {
	id, err := strconv.Atoi(vmid)
	if err != nil {
		return nil, provider.NewFatalError(fmt.Sprintf("invalid vmid %q", vmid), err).WithVMID(vmid)
	}

	node, err := a.client.Node(ctx, a.opts.Node)
	if err != nil {
		return nil, a.classify(err, vmid, "lookup")
	}

	vm, err := node.VirtualMachine(ctx, id)
	if err != nil {
		return nil, a.classify(err, vmid, "lookup")
	}
	return vm, nil
}

// classify maps Proxmox API failures onto the broker error taxonomy.
// Missing machines are not-found, transport and timeout problems are
// retryable, everything else is fatal.
func (a *Adapter) classify(err error, vmid, op string) error {
	switch {
	case proxmoxapi.IsNotFound(err):
		return provider.NewNotFoundError(fmt.Sprintf("machine %s not found", vmid), err).WithVMID(vmid).WithOp(op)
	case proxmoxapi.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no route to host"):
		return provider.NewRetryableError("proxmox api unreachable", err).WithVMID(vmid).WithOp(op)
	default:
		return provider.NewFatalError("proxmox api request failed", err).WithVMID(vmid).WithOp(op)
	}
}

// macFromConfig pulls the MAC out of the net0 device of a VM config. The
// config pointer can be nil when the API returned a bare status object.
func macFromConfig(cfg *proxmoxapi.VirtualMachineConfig) string {
	if cfg == nil {
		return ""
	}
	return parseMAC(cfg.Net0)
}

// parseMAC extracts the MAC address from a Proxmox netN config string such
// as "virtio=DE:AD:BE:EF:00:01,bridge=vmbr0,tag=20".
func parseMAC(net string) string {
	if net == "" {
		return ""
	}
	for _, part := range strings.Split(net, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.Count(kv[1], ":") == 5 {
			return strings.ToLower(kv[1])
		}
	}
	return ""
}
