package proxmox

import (
	"context"

	"github.com/openvdi/vdibroker/pkg/lifecycle"
	"github.com/openvdi/vdibroker/pkg/provider"
)

// EngineOptions returns the operation overrides a queue engine needs when
// driving this adapter. Cloning is asynchronous on Proxmox, so the create
// completion check polls the clone task instead of assuming the machine is
// ready as soon as the request was accepted.
func (a *Adapter) EngineOptions() []lifecycle.Option {
	return []lifecycle.Option{
		lifecycle.WithOperation(lifecycle.OpCreateCompleted, nil,
			func(ctx context.Context, e *lifecycle.Entity, _ provider.Adapter) (bool, error) {
				if e.RemoteID == "" {
					return false, provider.NewFatalError("create completed with no machine id", nil)
				}
				return a.CreateSettled(ctx, e.RemoteID)
			}),
	}
}
