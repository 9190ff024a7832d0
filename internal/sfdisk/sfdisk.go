// Package sfdisk reads partition tables with `sfdisk --json`.
package sfdisk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/log"
)

const defaultSectorSize = 512

// UnsupportedUnitError is returned when sfdisk reports offsets in a unit
// other than sectors
type UnsupportedUnitError struct {
	Unit string
}

func (e *UnsupportedUnitError) Error() string {
	return fmt.Sprintf("unsupported partition table unit %q", e.Unit)
}

// Prober probes a device for filesystem attributes
type Prober interface {
	Probe(ctx context.Context, device string) (disk.Attributes, error)
}

// Reader reads partition tables
type Reader struct {
	runner command.Runner
	prober Prober
	sizeOf func(path string) (uint64, error)
}

// Option configures a Reader
type Option func(*Reader)

// WithSizeFunc replaces how the size of an unpartitioned device is measured
func WithSizeFunc(fn func(path string) (uint64, error)) Option {
	return func(r *Reader) {
		r.sizeOf = fn
	}
}

// New creates a Reader
func New(runner command.Runner, prober Prober, opts ...Option) *Reader {
	r := &Reader{runner: runner, prober: prober, sizeOf: deviceSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type output struct {
	Table table `json:"partitiontable"`
}

type table struct {
	Label      string  `json:"label"`
	ID         string  `json:"id"`
	Device     string  `json:"device"`
	Unit       string  `json:"unit"`
	SectorSize uint64  `json:"sectorsize"`
	Partitions []entry `json:"partitions"`
}

type entry struct {
	Node     string `json:"node"`
	Start    uint64 `json:"start"`
	Size     uint64 `json:"size"`
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Bootable bool   `json:"bootable"`
}

// noTableMessage is what sfdisk prints for a device without a partition table
const noTableMessage = "does not contain a recognized partition table"

// Read returns the partition table of device. A device without a partition
// table is treated as one unpartitioned filesystem covering the whole
// device, and that single partition is probed right away. Any other sfdisk
// failure is returned as is.
func (r *Reader) Read(ctx context.Context, device string) (*disk.PartitionTable, error) {
	res, err := r.runner.Run(ctx, "sfdisk", "--json", device)
	if err != nil {
		var te *command.ToolError
		if errors.As(err, &te) && strings.Contains(te.Stderr, noTableMessage) {
			log.Debug("no partition table found", "device", device)
			return r.unpartitioned(ctx, device)
		}
		return nil, err
	}

	var out output
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, fmt.Errorf("parse sfdisk output for %s: %w", device, err)
	}

	return parseTable(out.Table)
}

func (r *Reader) unpartitioned(ctx context.Context, device string) (*disk.PartitionTable, error) {
	size, err := r.sizeOf(device)
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", device, err)
	}

	attrs, err := r.prober.Probe(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", device, err)
	}

	p := &disk.Partition{Start: 0, Size: size}
	p.SetAttributes(attrs)

	return &disk.PartitionTable{
		Kind:       disk.KindNone,
		Partitions: []*disk.Partition{p},
	}, nil
}

func parseTable(t table) (*disk.PartitionTable, error) {
	if t.Unit != "sectors" {
		return nil, &UnsupportedUnitError{Unit: t.Unit}
	}

	var kind disk.TableKind
	switch t.Label {
	case "dos":
		kind = disk.KindDOS
	case "gpt":
		kind = disk.KindGPT
	default:
		return nil, fmt.Errorf("unsupported partition table label %q", t.Label)
	}

	sectorSize := t.SectorSize
	if sectorSize == 0 {
		sectorSize = defaultSectorSize
	}

	parts := make([]*disk.Partition, 0, len(t.Partitions))
	for i, e := range t.Partitions {
		parts = append(parts, &disk.Partition{
			Bootable: e.Bootable,
			PartUUID: partUUID(kind, t.ID, i, e.UUID),
			Start:    e.Start * sectorSize,
			Size:     e.Size * sectorSize,
			Type:     e.Type,
		})
	}

	slices.SortStableFunc(parts, func(a, b *disk.Partition) int {
		return strings.Compare(a.PartUUID, b.PartUUID)
	})

	return &disk.PartitionTable{
		Kind:       kind,
		ID:         t.ID,
		Partitions: parts,
	}, nil
}

// partUUID returns the partition UUID. MBR partitions have none, so one is
// derived from the disk identifier and the 1-based index the same way the
// kernel does for PARTUUID=.
func partUUID(kind disk.TableKind, tableID string, index int, native string) string {
	if native != "" {
		if u, err := uuid.Parse(native); err == nil {
			return strings.ToUpper(u.String())
		}
		return native
	}
	if kind == disk.KindDOS {
		return fmt.Sprintf("%.33s-%02x", strings.TrimPrefix(tableID, "0x"), index+1)
	}
	return ""
}

// deviceSize measures a regular file or a block device by seeking to its end
func deviceSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint64(end), nil
}
