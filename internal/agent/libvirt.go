package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
)

// migrateURIFormat is the peer-to-peer destination for live migration.
const migrateURIFormat = "qemu+tcp://%s/system"

// LibvirtDriver implements VMDriver, NetDriver and StorageDriver on a local
// libvirt daemon.
type LibvirtDriver struct {
	conn         *libvirt.Libvirt
	pool         string
	pollInterval time.Duration
	logger       *zap.Logger
}

var (
	_ VMDriver      = (*LibvirtDriver)(nil)
	_ NetDriver     = (*LibvirtDriver)(nil)
	_ StorageDriver = (*LibvirtDriver)(nil)
)

// NewLibvirtDriver connects to the libvirt daemon at uri.
func NewLibvirtDriver(uri, storagePool string, pollInterval time.Duration, logger *zap.Logger) (*LibvirtDriver, error) {
	if uri == "" {
		uri = string(libvirt.QEMUSystem)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid libvirt uri %q: %w", uri, err)
	}
	conn, err := libvirt.ConnectToURI(u)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	logger.Info("Connected to libvirt", zap.String("uri", uri))
	return &LibvirtDriver{
		conn:         conn,
		pool:         storagePool,
		pollInterval: pollInterval,
		logger:       logger.Named("libvirt"),
	}, nil
}

// Close disconnects from libvirt.
func (d *LibvirtDriver) Close() error {
	return d.conn.Disconnect()
}

func (d *LibvirtDriver) lookup(name string) (libvirt.Domain, error) {
	dom, err := d.conn.DomainLookupByName(name)
	if err != nil {
		if libvirt.IsNotFound(err) {
			return dom, fmt.Errorf("%w: domain %s", domain.ErrNotFound, name)
		}
		return dom, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	return dom, nil
}

func (d *LibvirtDriver) state(dom libvirt.Domain) (libvirt.DomainState, error) {
	st, _, err := d.conn.DomainGetState(dom, 0)
	if err != nil {
		return 0, fmt.Errorf("get domain state: %w", err)
	}
	return libvirt.DomainState(st), nil
}

// Deploy defines the domain persistently and starts it.
func (d *LibvirtDriver) Deploy(ctx context.Context, vm domain.VMDescriptor) error {
	doc, err := DomainXML(vm)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dom, err := d.conn.DomainDefineXML(doc)
	if err != nil {
		return fmt.Errorf("define domain %s: %w", vm.Name, err)
	}
	if err := d.conn.DomainCreate(dom); err != nil {
		return fmt.Errorf("start domain %s: %w", vm.Name, err)
	}
	d.logger.Info("Domain deployed", zap.String("name", vm.Name))
	return nil
}

// Destroy stops and undefines the domain. A missing domain is not an error.
func (d *LibvirtDriver) Destroy(ctx context.Context, name string) error {
	dom, err := d.lookup(name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st, err := d.state(dom); err == nil && st != libvirt.DomainShutoff {
		if err := d.conn.DomainDestroy(dom); err != nil {
			return fmt.Errorf("destroy domain %s: %w", name, err)
		}
	}
	if err := d.conn.DomainUndefineFlags(dom, libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineSnapshotsMetadata); err != nil {
		return fmt.Errorf("undefine domain %s: %w", name, err)
	}
	d.logger.Info("Domain destroyed", zap.String("name", name))
	return nil
}

// Save writes the memory of a running domain to path and stops it.
func (d *LibvirtDriver) Save(ctx context.Context, name, path string) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.conn.DomainSave(dom, path); err != nil {
		return fmt.Errorf("save domain %s: %w", name, err)
	}
	d.logger.Info("Domain saved", zap.String("name", name), zap.String("path", path))
	return nil
}

// Restore resumes a saved domain and removes the dump.
func (d *LibvirtDriver) Restore(ctx context.Context, name, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: memory dump %s", domain.ErrNotFound, path)
		}
		return err
	}
	if err := d.conn.DomainRestore(path); err != nil {
		return fmt.Errorf("restore domain %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		d.logger.Warn("Failed to remove memory dump", zap.String("path", path), zap.Error(err))
	}
	d.logger.Info("Domain restored", zap.String("name", name))
	return nil
}

// Shutdown asks the guest to power off and waits up to timeout for it.
func (d *LibvirtDriver) Shutdown(ctx context.Context, name string, timeout time.Duration) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.conn.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown domain %s: %w", name, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		st, err := d.state(dom)
		if err != nil {
			return err
		}
		if st == libvirt.DomainShutoff {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: domain %s still %s", domain.ErrRemoteTimeout, name, instanceState(st))
		case <-ticker.C:
		}
	}
}

// ShutOff hard-stops the domain and keeps its definition.
func (d *LibvirtDriver) ShutOff(ctx context.Context, name string) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.conn.DomainDestroy(dom); err != nil {
		return fmt.Errorf("power off domain %s: %w", name, err)
	}
	return nil
}

// Reboot asks the guest to restart.
func (d *LibvirtDriver) Reboot(ctx context.Context, name string) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.conn.DomainReboot(dom, libvirt.DomainRebootDefault); err != nil {
		return fmt.Errorf("reboot domain %s: %w", name, err)
	}
	return nil
}

// Reset emulates the reset button.
func (d *LibvirtDriver) Reset(ctx context.Context, name string) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.conn.DomainReset(dom, 0); err != nil {
		return fmt.Errorf("reset domain %s: %w", name, err)
	}
	return nil
}

// Migrate live-migrates the domain to destHost peer to peer.
func (d *LibvirtDriver) Migrate(ctx context.Context, name, destHost string) error {
	dom, err := d.lookup(name)
	if err != nil {
		return err
	}
	uri := fmt.Sprintf(migrateURIFormat, destHost)
	flags := libvirt.MigrateLive | libvirt.MigratePeer2peer | libvirt.MigratePersistDest | libvirt.MigrateUndefineSource
	if _, err := d.conn.DomainMigratePerform3Params(dom, libvirt.OptString{uri}, nil, nil, flags); err != nil {
		return fmt.Errorf("migrate domain %s to %s: %w", name, destHost, err)
	}
	d.logger.Info("Domain migrated", zap.String("name", name), zap.String("dest", destHost))
	return nil
}

// State reports the domain state in instance terms.
func (d *LibvirtDriver) State(ctx context.Context, name string) (domain.InstanceState, error) {
	dom, err := d.lookup(name)
	if err != nil {
		return "", err
	}
	st, err := d.state(dom)
	if err != nil {
		return "", err
	}
	return instanceState(st), nil
}

// NodeInfo reports host CPU and memory.
func (d *LibvirtDriver) NodeInfo(ctx context.Context) (NodeInfo, error) {
	_, memKiB, cpus, _, _, _, _, _, err := d.conn.NodeGetInfo()
	if err != nil {
		return NodeInfo{}, fmt.Errorf("get node info: %w", err)
	}
	return NodeInfo{Cores: int(cpus), RAMBytes: int64(memKiB) * 1024}, nil
}

func (d *LibvirtDriver) deviceFlags(dom libvirt.Domain) uint32 {
	if st, err := d.state(dom); err == nil && st != libvirt.DomainShutoff {
		return uint32(libvirt.DomainDeviceModifyLive | libvirt.DomainDeviceModifyConfig)
	}
	return uint32(libvirt.DomainDeviceModifyConfig)
}

// AttachInterface plugs nic into its domain.
func (d *LibvirtDriver) AttachInterface(ctx context.Context, nic domain.NICDescriptor) error {
	doc, err := InterfaceXML(nic)
	if err != nil {
		return err
	}
	dom, err := d.lookup(nic.VMName)
	if err != nil {
		return err
	}
	if err := d.conn.DomainAttachDeviceFlags(dom, doc, d.deviceFlags(dom)); err != nil {
		return fmt.Errorf("attach interface %s: %w", nic.MAC, err)
	}
	return nil
}

// DetachInterface unplugs nic. A missing domain is not an error.
func (d *LibvirtDriver) DetachInterface(ctx context.Context, nic domain.NICDescriptor) error {
	doc, err := InterfaceXML(nic)
	if err != nil {
		return err
	}
	dom, err := d.lookup(nic.VMName)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.conn.DomainDetachDeviceFlags(dom, doc, d.deviceFlags(dom)); err != nil {
		return fmt.Errorf("detach interface %s: %w", nic.MAC, err)
	}
	return nil
}

// CreateDisk creates the disk image in the configured storage pool.
func (d *LibvirtDriver) CreateDisk(ctx context.Context, disk domain.DiskDescriptor) error {
	doc, err := VolumeXML(disk)
	if err != nil {
		return err
	}
	pool, err := d.conn.StoragePoolLookupByName(d.pool)
	if err != nil {
		return fmt.Errorf("lookup storage pool %s: %w", d.pool, err)
	}
	if _, err := d.conn.StorageVolCreateXML(pool, doc, 0); err != nil {
		return fmt.Errorf("create volume %s: %w", disk.Name, err)
	}
	d.logger.Info("Disk created", zap.String("name", disk.Name), zap.String("pool", d.pool))
	return nil
}

// DeleteDisk removes the disk image. A missing volume is not an error.
func (d *LibvirtDriver) DeleteDisk(ctx context.Context, disk domain.DiskDescriptor) error {
	pool, err := d.conn.StoragePoolLookupByName(d.pool)
	if err != nil {
		return fmt.Errorf("lookup storage pool %s: %w", d.pool, err)
	}
	vol, err := d.conn.StorageVolLookupByName(pool, disk.Name)
	if err != nil {
		d.logger.Warn("Volume not found, nothing to delete", zap.String("name", disk.Name), zap.Error(err))
		return nil
	}
	if err := d.conn.StorageVolDelete(vol, libvirt.StorageVolDeleteNormal); err != nil {
		return fmt.Errorf("delete volume %s: %w", disk.Name, err)
	}
	return nil
}

// DeleteDump removes a memory dump file.
func (d *LibvirtDriver) DeleteDump(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete memory dump %s: %w", path, err)
	}
	return nil
}

func instanceState(st libvirt.DomainState) domain.InstanceState {
	switch st {
	case libvirt.DomainRunning, libvirt.DomainBlocked, libvirt.DomainPaused,
		libvirt.DomainShutdown, libvirt.DomainPmsuspended:
		return domain.StateRunning
	case libvirt.DomainShutoff:
		return domain.StateShutoff
	default:
		return domain.StateError
	}
}
