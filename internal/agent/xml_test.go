package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/circlecloud/circle/internal/domain"
)

func TestDomainXML(t *testing.T) {
	doc, err := DomainXML(domain.VMDescriptor{
		Name:      "cloud-a",
		VCPU:      2,
		MemoryMiB: 1024,
		MaxMemMiB: 2048,
		BootMenu:  true,
		VNCPort:   20001,
		CPUShare:  512,
		Disks:     []domain.DiskDescriptor{{Source: "/datastore/a.qcow2", Target: "vda", Format: "qcow2"}},
	})
	if err != nil {
		t.Fatalf("DomainXML() error = %v", err)
	}

	for _, want := range []string{
		`<domain type="kvm">`,
		`<name>cloud-a</name>`,
		`<memory unit="MiB">2048</memory>`,
		`<currentMemory unit="MiB">1024</currentMemory>`,
		`<shares>512</shares>`,
		`<bootmenu enable="yes"></bootmenu>`,
		`<source file="/datastore/a.qcow2"></source>`,
		`<target dev="vda" bus="virtio"></target>`,
		`<graphics type="vnc" port="20001" autoport="no" listen="0.0.0.0"></graphics>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("domain xml missing %s\n%s", want, doc)
		}
	}
}

func TestDomainXML_RequiresName(t *testing.T) {
	if _, err := DomainXML(domain.VMDescriptor{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestInterfaceXML(t *testing.T) {
	doc, err := InterfaceXML(domain.NICDescriptor{MAC: "52:54:00:00:00:01", Bridge: "cloud", VLAN: 42})
	if err != nil {
		t.Fatalf("InterfaceXML() error = %v", err)
	}
	for _, want := range []string{
		`<interface type="bridge">`,
		`<mac address="52:54:00:00:00:01"></mac>`,
		`<tag id="42"></tag>`,
		`<virtualport type="openvswitch"></virtualport>`,
		`<model type="virtio"></model>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("interface xml missing %s\n%s", want, doc)
		}
	}

	if _, err := InterfaceXML(domain.NICDescriptor{MAC: "52:54:00:00:00:01"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("missing bridge error = %v", err)
	}
}

func TestVolumeXML(t *testing.T) {
	doc, err := VolumeXML(domain.DiskDescriptor{Name: "a.qcow2", SizeBytes: 1 << 30, BaseName: "base.qcow2", Directory: "/datastore"})
	if err != nil {
		t.Fatalf("VolumeXML() error = %v", err)
	}
	for _, want := range []string{
		`<capacity unit="bytes">1073741824</capacity>`,
		`<format type="qcow2"></format>`,
		`<path>/datastore/base.qcow2</path>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("volume xml missing %s\n%s", want, doc)
		}
	}

	plain, _ := VolumeXML(domain.DiskDescriptor{Name: "b.raw", Format: "raw"})
	if strings.Contains(plain, "backingStore") {
		t.Errorf("disk without base should have no backing store:\n%s", plain)
	}
}
