// Package agent implements the node agent: the gRPC task queue server that
// runs vm, net and storage tasks for the control plane against the local
// hypervisor.
package agent

import (
	"context"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// NodeInfo is the capacity report of a hypervisor.
type NodeInfo struct {
	Cores    int   `json:"cores"`
	RAMBytes int64 `json:"ram_bytes"`
}

// VMDriver manages domains. Methods return domain.ErrNotFound when the named
// domain does not exist.
type VMDriver interface {
	Deploy(ctx context.Context, vm domain.VMDescriptor) error
	Destroy(ctx context.Context, name string) error
	Save(ctx context.Context, name, path string) error
	Restore(ctx context.Context, name, path string) error
	Shutdown(ctx context.Context, name string, timeout time.Duration) error
	ShutOff(ctx context.Context, name string) error
	Reboot(ctx context.Context, name string) error
	Reset(ctx context.Context, name string) error
	Migrate(ctx context.Context, name, destHost string) error
	State(ctx context.Context, name string) (domain.InstanceState, error)
	NodeInfo(ctx context.Context) (NodeInfo, error)
}

// NetDriver plugs interfaces into domains.
type NetDriver interface {
	AttachInterface(ctx context.Context, nic domain.NICDescriptor) error
	DetachInterface(ctx context.Context, nic domain.NICDescriptor) error
}

// StorageDriver manages disk images and memory dumps.
type StorageDriver interface {
	CreateDisk(ctx context.Context, disk domain.DiskDescriptor) error
	DeleteDisk(ctx context.Context, disk domain.DiskDescriptor) error
	DeleteDump(ctx context.Context, path string) error
}
