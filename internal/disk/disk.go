// Package disk holds the storage model shared by the partition reader, the
// LVM activator and the mount orchestrator.
package disk

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// TableKind is the kind of partition table found on an image
type TableKind string

const (
	// KindNone means the image holds a single filesystem without partition table
	KindNone TableKind = "none"
	// KindDOS is an MBR partition table
	KindDOS TableKind = "dos"
	// KindGPT is a GUID partition table
	KindGPT TableKind = "gpt"
)

// Partition types that mark an LVM physical volume
const (
	LVMTypeDOS = "8e"
	LVMTypeGPT = "E6D6D379-F507-44C2-A23C-238F2A3DF928"
)

// ErrDeviceAssigned is returned when a volume's backing device is set twice
var ErrDeviceAssigned = errors.New("backing device already assigned")

// Attributes are the filesystem attributes reported by a probe.
// Any of them may be empty.
type Attributes struct {
	Label  string
	UUID   string
	FSType string
}

// Probed is implemented by anything that carries probed filesystem attributes
type Probed interface {
	Attrs() Attributes
}

// Mountable is implemented by anything that can be handed to mount(8)
type Mountable interface {
	// Device returns the backing block device, empty until assigned
	Device() string
	// MountOptions returns the options the volume itself requires
	MountOptions() []string
}

// Volume is a mountable extent: a plain partition or an LVM logical volume
type Volume interface {
	Probed
	Mountable
	// ID returns the upper-cased filesystem UUID, or a synthetic key when there is none
	ID() string
}

// PartitionTable is the parsed layout of an image
type PartitionTable struct {
	Kind       TableKind    `json:"partition-table" yaml:"partition-table"`
	ID         string       `json:"partition-table-id" yaml:"partition-table-id"`
	Partitions []*Partition `json:"partitions" yaml:"partitions"`
}

// Volumes returns every mountable volume of the table, expanding LVM
// carriers into their logical volumes. Volumes without both a filesystem
// UUID and type are left out since nothing can reference them.
func (t *PartitionTable) Volumes() []Volume {
	var vols []Volume
	for _, p := range t.Partitions {
		if p.IsLVM() {
			if p.Group != nil {
				for _, lv := range p.Group.Volumes {
					if lv.UUID != "" && lv.FSType != "" {
						vols = append(vols, lv)
					}
				}
			}
			continue
		}
		if p.UUID != "" && p.FSType != "" {
			vols = append(vols, p)
		}
	}
	return vols
}

// Partition is one entry of a partition table
type Partition struct {
	Bootable bool   `json:"bootable" yaml:"bootable"`
	PartUUID string `json:"partuuid" yaml:"partuuid"`
	Start    uint64 `json:"start" yaml:"start"`
	Size     uint64 `json:"size" yaml:"size"`
	Type     string `json:"type" yaml:"type"`

	Label  string `json:"label" yaml:"label"`
	UUID   string `json:"uuid" yaml:"uuid"`
	FSType string `json:"fstype" yaml:"fstype"`

	// Group is set once an LVM partition has been activated
	Group *VolumeGroup `json:"-" yaml:"-"`

	device string
}

// IsLVM reports whether the partition type marks an LVM physical volume.
// Such partitions are never mounted directly.
func (p *Partition) IsLVM() bool {
	return strings.EqualFold(p.Type, LVMTypeDOS) || strings.EqualFold(p.Type, LVMTypeGPT)
}

// SetAttributes records probe results
func (p *Partition) SetAttributes(a Attributes) {
	p.Label, p.UUID, p.FSType = a.Label, a.UUID, a.FSType
}

// Attrs implements Probed
func (p *Partition) Attrs() Attributes {
	return Attributes{Label: p.Label, UUID: p.UUID, FSType: p.FSType}
}

// SetDevice assigns the backing device. It can only be done once.
func (p *Partition) SetDevice(dev string) error {
	if p.device != "" {
		return fmt.Errorf("partition %s: %w (%s)", p.PartUUID, ErrDeviceAssigned, p.device)
	}
	p.device = dev
	return nil
}

// Device implements Mountable
func (p *Partition) Device() string { return p.device }

// MountOptions implements Mountable. Plain partitions need none.
func (p *Partition) MountOptions() []string { return nil }

// ID implements Volume
func (p *Partition) ID() string {
	if p.UUID != "" {
		return strings.ToUpper(p.UUID)
	}
	return "PARTUUID=" + p.PartUUID
}

// VolumeGroup is an activated LVM volume group.
// Volumes keeps LVM's order except that names starting with "root" come first.
type VolumeGroup struct {
	Name    string           `json:"name" yaml:"name"`
	Volumes []*LogicalVolume `json:"volumes" yaml:"volumes"`
}

// SortRootFirst moves volumes whose name begins with "root" to the front,
// keeping the relative order of everything else.
func (g *VolumeGroup) SortRootFirst() {
	slices.SortStableFunc(g.Volumes, func(a, b *LogicalVolume) int {
		ra, rb := strings.HasPrefix(a.Name, "root"), strings.HasPrefix(b.Name, "root")
		switch {
		case ra && !rb:
			return -1
		case !ra && rb:
			return 1
		default:
			return 0
		}
	})
}

// journaled filesystems that would replay their log on mount
var journaled = map[string]bool{"ext3": true, "ext4": true, "xfs": true}

// LogicalVolume is an LVM logical volume inside an activated group
type LogicalVolume struct {
	Group string `json:"-" yaml:"-"`
	Name  string `json:"name" yaml:"name"`
	Path  string `json:"path" yaml:"path"`
	Major uint32 `json:"-" yaml:"-"`
	Minor uint32 `json:"-" yaml:"-"`

	Label  string `json:"label" yaml:"label"`
	UUID   string `json:"uuid" yaml:"uuid"`
	FSType string `json:"fstype" yaml:"fstype"`

	// NoRecovery adds "norecovery" for journaled filesystems. The backing
	// loop device is read-only and log replay would fail in the kernel.
	NoRecovery bool `json:"-" yaml:"-"`

	device string
}

// SetAttributes records probe results
func (lv *LogicalVolume) SetAttributes(a Attributes) {
	lv.Label, lv.UUID, lv.FSType = a.Label, a.UUID, a.FSType
}

// Attrs implements Probed
func (lv *LogicalVolume) Attrs() Attributes {
	return Attributes{Label: lv.Label, UUID: lv.UUID, FSType: lv.FSType}
}

// SetDevice assigns the backing device node. It can only be done once.
func (lv *LogicalVolume) SetDevice(dev string) error {
	if lv.device != "" {
		return fmt.Errorf("logical volume %s/%s: %w (%s)", lv.Group, lv.Name, ErrDeviceAssigned, lv.device)
	}
	lv.device = dev
	return nil
}

// Device implements Mountable
func (lv *LogicalVolume) Device() string { return lv.device }

// MountOptions implements Mountable
func (lv *LogicalVolume) MountOptions() []string {
	if lv.NoRecovery && journaled[lv.FSType] {
		return []string{"norecovery"}
	}
	return nil
}

// ID implements Volume
func (lv *LogicalVolume) ID() string {
	if lv.UUID != "" {
		return strings.ToUpper(lv.UUID)
	}
	return "LV=" + lv.Group + "/" + lv.Name
}

// DMName returns the device-mapper name LVM gives vg/lv: hyphens inside
// either name are doubled and the two are joined with a single hyphen.
func DMName(vg, lv string) string {
	return strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
}

// MapperPath returns the /dev/mapper alias of the logical volume
func (lv *LogicalVolume) MapperPath() string {
	return "/dev/mapper/" + DMName(lv.Group, lv.Name)
}
