package agent

import (
	"encoding/xml"
	"fmt"
	"path"

	"github.com/circlecloud/circle/internal/domain"
)

// Libvirt XML documents, reduced to the elements the agent writes.
// See https://libvirt.org/formatdomain.html and formatstorage.html.

type domainXML struct {
	XMLName  xml.Name    `xml:"domain"`
	Type     string      `xml:"type,attr"`
	Name     string      `xml:"name"`
	Memory   sizeXML     `xml:"memory"`
	Current  sizeXML     `xml:"currentMemory"`
	VCPU     int         `xml:"vcpu"`
	CPUTune  *cpuTuneXML `xml:"cputune,omitempty"`
	OS       osXML       `xml:"os"`
	Features featuresXML `xml:"features"`
	Devices  devicesXML  `xml:"devices"`
	OnPower  string      `xml:"on_poweroff"`
	OnReboot string      `xml:"on_reboot"`
	OnCrash  string      `xml:"on_crash"`
}

type sizeXML struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

type cpuTuneXML struct {
	Shares int `xml:"shares"`
}

type osXML struct {
	Type     osTypeXML    `xml:"type"`
	Boot     bootXML      `xml:"boot"`
	BootMenu *bootMenuXML `xml:"bootmenu,omitempty"`
}

type osTypeXML struct {
	Arch  string `xml:"arch,attr"`
	Value string `xml:",chardata"`
}

type bootXML struct {
	Dev string `xml:"dev,attr"`
}

type bootMenuXML struct {
	Enable string `xml:"enable,attr"`
}

type featuresXML struct {
	ACPI struct{} `xml:"acpi"`
	APIC struct{} `xml:"apic"`
}

type devicesXML struct {
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	Graphics   *graphicsXML   `xml:"graphics,omitempty"`
}

type diskXML struct {
	XMLName xml.Name      `xml:"disk"`
	Type    string        `xml:"type,attr"`
	Device  string        `xml:"device,attr"`
	Driver  diskDriverXML `xml:"driver"`
	Source  fileSourceXML `xml:"source"`
	Target  diskTargetXML `xml:"target"`
}

type diskDriverXML struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr"`
	Cache string `xml:"cache,attr,omitempty"`
}

type fileSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type interfaceXML struct {
	XMLName     xml.Name        `xml:"interface"`
	Type        string          `xml:"type,attr"`
	MAC         macXML          `xml:"mac"`
	Source      bridgeSourceXML `xml:"source"`
	VLAN        *vlanXML        `xml:"vlan,omitempty"`
	VirtualPort *virtualPortXML `xml:"virtualport,omitempty"`
	Model       modelXML        `xml:"model"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type bridgeSourceXML struct {
	Bridge string `xml:"bridge,attr"`
}

type vlanXML struct {
	Tag struct {
		ID int `xml:"id,attr"`
	} `xml:"tag"`
}

type virtualPortXML struct {
	Type string `xml:"type,attr"`
}

type modelXML struct {
	Type string `xml:"type,attr"`
}

type graphicsXML struct {
	Type     string `xml:"type,attr"`
	Port     int    `xml:"port,attr"`
	AutoPort string `xml:"autoport,attr"`
	Listen   string `xml:"listen,attr"`
}

type volumeXML struct {
	XMLName      xml.Name         `xml:"volume"`
	Type         string           `xml:"type,attr"`
	Name         string           `xml:"name"`
	Capacity     sizeXML          `xml:"capacity"`
	Allocation   sizeXML          `xml:"allocation"`
	Target       volumeTargetXML  `xml:"target"`
	BackingStore *volumeTargetXML `xml:"backingStore,omitempty"`
}

type volumeTargetXML struct {
	Path   string          `xml:"path,omitempty"`
	Format volumeFormatXML `xml:"format"`
}

type volumeFormatXML struct {
	Type string `xml:"type,attr"`
}

// DomainXML renders the definition of vm.
func DomainXML(vm domain.VMDescriptor) (string, error) {
	if vm.Name == "" {
		return "", fmt.Errorf("%w: vm name is required", domain.ErrInvalidArgument)
	}
	maxMem := vm.MaxMemMiB
	if maxMem < vm.MemoryMiB {
		maxMem = vm.MemoryMiB
	}
	arch := vm.Arch
	if arch == "" {
		arch = "x86_64"
	}

	d := domainXML{
		Type:     "kvm",
		Name:     vm.Name,
		Memory:   sizeXML{Unit: "MiB", Value: uint64(maxMem)},
		Current:  sizeXML{Unit: "MiB", Value: uint64(vm.MemoryMiB)},
		VCPU:     vm.VCPU,
		OS:       osXML{Type: osTypeXML{Arch: arch, Value: "hvm"}, Boot: bootXML{Dev: "hd"}},
		OnPower:  "destroy",
		OnReboot: "restart",
		OnCrash:  "destroy",
	}
	if vm.CPUShare > 0 {
		d.CPUTune = &cpuTuneXML{Shares: vm.CPUShare}
	}
	if vm.BootMenu {
		d.OS.BootMenu = &bootMenuXML{Enable: "yes"}
	}
	for _, disk := range vm.Disks {
		d.Devices.Disks = append(d.Devices.Disks, diskDevice(disk))
	}
	for _, nic := range vm.Interfaces {
		d.Devices.Interfaces = append(d.Devices.Interfaces, interfaceDevice(nic))
	}
	if vm.VNCPort > 0 {
		d.Devices.Graphics = &graphicsXML{Type: "vnc", Port: vm.VNCPort, AutoPort: "no", Listen: "0.0.0.0"}
	}
	return marshal(d)
}

// InterfaceXML renders nic as a device for attach and detach.
func InterfaceXML(nic domain.NICDescriptor) (string, error) {
	if nic.MAC == "" || nic.Bridge == "" {
		return "", fmt.Errorf("%w: interface needs mac and bridge", domain.ErrInvalidArgument)
	}
	return marshal(interfaceDevice(nic))
}

// VolumeXML renders disk as a storage volume. A disk with a base is
// created as a qcow2 overlay on the base image in the same directory.
func VolumeXML(disk domain.DiskDescriptor) (string, error) {
	if disk.Name == "" {
		return "", fmt.Errorf("%w: disk name is required", domain.ErrInvalidArgument)
	}
	format := disk.Format
	if format == "" {
		format = "qcow2"
	}
	v := volumeXML{
		Type:       "file",
		Name:       disk.Name,
		Capacity:   sizeXML{Unit: "bytes", Value: uint64(disk.SizeBytes)},
		Allocation: sizeXML{Unit: "bytes", Value: 0},
		Target:     volumeTargetXML{Format: volumeFormatXML{Type: format}},
	}
	if disk.BaseName != "" {
		v.BackingStore = &volumeTargetXML{
			Path:   path.Join(disk.Directory, disk.BaseName),
			Format: volumeFormatXML{Type: "qcow2"},
		}
	}
	return marshal(v)
}

func diskDevice(disk domain.DiskDescriptor) diskXML {
	format := disk.Format
	if format == "" {
		format = "qcow2"
	}
	return diskXML{
		Type:   "file",
		Device: "disk",
		Driver: diskDriverXML{Name: "qemu", Type: format, Cache: "none"},
		Source: fileSourceXML{File: disk.Source},
		Target: diskTargetXML{Dev: disk.Target, Bus: "virtio"},
	}
}

func interfaceDevice(nic domain.NICDescriptor) interfaceXML {
	model := nic.Model
	if model == "" {
		model = "virtio"
	}
	iface := interfaceXML{
		Type:        "bridge",
		MAC:         macXML{Address: nic.MAC},
		Source:      bridgeSourceXML{Bridge: nic.Bridge},
		VirtualPort: &virtualPortXML{Type: "openvswitch"},
		Model:       modelXML{Type: model},
	}
	if nic.VLAN > 0 {
		iface.VLAN = &vlanXML{}
		iface.VLAN.Tag.ID = nic.VLAN
	}
	return iface
}

func marshal(v any) (string, error) {
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal xml: %w", err)
	}
	return string(out), nil
}
