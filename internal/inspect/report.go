package inspect

import (
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/qemuimg"
)

// Report is everything learned about one image
type Report struct {
	ImageFormat      *qemuimg.Format
	PartitionTable   disk.TableKind
	PartitionTableID string
	Partitions       []*disk.Partition
	// LVM maps each activated volume group to its logical volumes
	LVM map[string][]*disk.LogicalVolume
	// Facts holds the results of the tree readers, keyed by reader name
	Facts map[string]any
}

// Fields flattens the report into its output keys. Facts share the top
// level with the storage layout.
func (r *Report) Fields() map[string]any {
	fields := make(map[string]any, len(r.Facts)+5)
	for k, v := range r.Facts {
		fields[k] = v
	}

	fields["image-format"] = r.ImageFormat
	fields["partition-table"] = r.PartitionTable
	fields["partition-table-id"] = r.PartitionTableID
	fields["partitions"] = r.Partitions
	if len(r.LVM) > 0 {
		fields["lvm"] = r.LVM
	}
	return fields
}
