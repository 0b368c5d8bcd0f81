package domain

import (
	"path"
	"slices"
	"time"
)

// InstanceState is the lifecycle state of a virtual machine instance.
type InstanceState string

const (
	StateNoState   InstanceState = "NOSTATE"
	StateRunning   InstanceState = "RUNNING"
	StateShutoff   InstanceState = "SHUTOFF"
	StateSuspended InstanceState = "SUSPENDED"
	StateDestroyed InstanceState = "DESTROYED"
	StateError     InstanceState = "ERROR"
	// StatePending is never stored; it is reported while an activity is in flight.
	StatePending InstanceState = "PENDING"
)

// ParseInstanceState validates a state name.
func ParseInstanceState(s string) (InstanceState, bool) {
	switch st := InstanceState(s); st {
	case StateNoState, StateRunning, StateShutoff, StateSuspended, StateDestroyed, StateError, StatePending:
		return st, true
	default:
		return "", false
	}
}

// Lease controls when an instance is suspended and deleted automatically.
type Lease struct {
	Name            string        `json:"name"`
	SuspendInterval time.Duration `json:"suspend_interval"`
	DeleteInterval  time.Duration `json:"delete_interval"`
}

// DataStore is a storage location served by a host's storage queue.
type DataStore struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Hostname string `json:"hostname"`
}

// Disk is a block device attached to an instance.
type Disk struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Filename     string    `json:"filename"`
	BaseFilename string    `json:"base_filename,omitempty"`
	Format       string    `json:"format"`
	SizeBytes    int64     `json:"size_bytes"`
	DevNum       string    `json:"dev_num,omitempty"`
	DataStore    DataStore `json:"datastore"`
	Ready        bool      `json:"ready"`
}

// Path returns the image path on its datastore.
func (d Disk) Path() string {
	return path.Join(d.DataStore.Path, d.Filename)
}

// TargetDev returns the guest device name, e.g. "vda".
func (d Disk) TargetDev() string {
	return "vd" + d.DevNum
}

// Interface is a network interface of an instance.
type Interface struct {
	ID     string `json:"id"`
	MAC    string `json:"mac"`
	Bridge string `json:"bridge"`
	VLAN   int    `json:"vlan"`
	Model  string `json:"model"`
}

// Instance is a virtual machine managed by the orchestration layer.
type Instance struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`

	Cores      int    `json:"cores"`
	RAMSize    int    `json:"ram_size"`
	MaxRAMSize int    `json:"max_ram_size"`
	Arch       string `json:"arch"`
	Priority   int    `json:"priority"`
	BootMenu   bool   `json:"boot_menu"`

	Lease         Lease      `json:"lease"`
	TimeOfSuspend *time.Time `json:"time_of_suspend,omitempty"`
	TimeOfDelete  *time.Time `json:"time_of_delete,omitempty"`

	NodeID     string      `json:"node_id,omitempty"`
	VNCPort    int         `json:"vnc_port,omitempty"`
	Disks      []Disk      `json:"disks"`
	Interfaces []Interface `json:"interfaces"`

	// MemDumpHost is the host that wrote the memory dump of a suspended instance.
	MemDumpHost string `json:"mem_dump_host,omitempty"`

	RequiredTraits []string `json:"required_traits,omitempty"`
	ACL            ACL      `json:"acl"`

	State     InstanceState `json:"state"`
	Destroyed *time.Time    `json:"destroyed,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (i *Instance) SubjectKind() SubjectKind { return SubjectInstance }
func (i *Instance) SubjectID() string        { return i.ID }

// HasLevel implements HasACLLevels.
func (i *Instance) HasLevel(user *User, level ACLLevel) bool {
	return i.ACL.HasLevel(user, level)
}

// VMName returns the hypervisor domain name.
func (i *Instance) VMName() string {
	return "cloud-" + i.ID
}

// IsDestroyed reports whether the instance has been destroyed.
func (i *Instance) IsDestroyed() bool {
	return i.Destroyed != nil
}

// MemDumpPath returns the memory dump location used while suspended.
func (i *Instance) MemDumpPath(dumpDir string) string {
	return path.Join(dumpDir, i.VMName()+".dump")
}

// ClearPlacement removes the node assignment and the VNC port.
func (i *Instance) ClearPlacement() {
	i.NodeID = ""
	i.VNCPort = 0
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Disks = slices.Clone(i.Disks)
	out.Interfaces = slices.Clone(i.Interfaces)
	out.RequiredTraits = slices.Clone(i.RequiredTraits)
	out.ACL = i.ACL.Clone()
	out.TimeOfSuspend = cloneTime(i.TimeOfSuspend)
	out.TimeOfDelete = cloneTime(i.TimeOfDelete)
	out.Destroyed = cloneTime(i.Destroyed)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// REMOTE DESCRIPTORS - payloads understood by node agents
// =============================================================================

// VMDescriptor is the domain definition sent to a node's vm queue.
type VMDescriptor struct {
	Name       string           `json:"name"`
	VCPU       int              `json:"vcpu"`
	MemoryMiB  int              `json:"memory_mib"`
	MaxMemMiB  int              `json:"max_memory_mib"`
	Arch       string           `json:"arch"`
	BootMenu   bool             `json:"boot_menu"`
	VNCPort    int              `json:"vnc_port"`
	CPUShare   int              `json:"cpu_share"`
	Disks      []DiskDescriptor `json:"disks"`
	Interfaces []NICDescriptor  `json:"interfaces,omitempty"`
}

// DiskDescriptor describes a disk to a storage or vm queue.
type DiskDescriptor struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	BaseName  string `json:"base_name,omitempty"`
	Directory string `json:"directory"`
}

// NICDescriptor describes an interface to a net queue.
type NICDescriptor struct {
	VMName string `json:"vm_name"`
	MAC    string `json:"mac"`
	Bridge string `json:"bridge"`
	VLAN   int    `json:"vlan"`
	Model  string `json:"model"`
}

// Descriptor builds the payload for a disk.
func (d Disk) Descriptor() DiskDescriptor {
	return DiskDescriptor{
		Name:      d.Filename,
		Source:    d.Path(),
		Target:    d.TargetDev(),
		Format:    d.Format,
		SizeBytes: d.SizeBytes,
		BaseName:  d.BaseFilename,
		Directory: d.DataStore.Path,
	}
}

// Descriptor builds the payload for an interface of the instance.
func (n Interface) Descriptor(vmName string) NICDescriptor {
	return NICDescriptor{VMName: vmName, MAC: n.MAC, Bridge: n.Bridge, VLAN: n.VLAN, Model: n.Model}
}

// Descriptor builds the VM definition for deploy.
func (i *Instance) Descriptor() VMDescriptor {
	d := VMDescriptor{
		Name:      i.VMName(),
		VCPU:      i.Cores,
		MemoryMiB: i.RAMSize,
		MaxMemMiB: i.MaxRAMSize,
		Arch:      i.Arch,
		BootMenu:  i.BootMenu,
		VNCPort:   i.VNCPort,
		CPUShare:  i.Priority,
	}
	for _, disk := range i.Disks {
		d.Disks = append(d.Disks, disk.Descriptor())
	}
	return d
}
