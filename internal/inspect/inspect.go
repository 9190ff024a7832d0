// Package inspect takes a disk image apart: it reads the partition table,
// attaches every partition, activates LVM, mounts the filesystem tree and
// runs the tree readers against it.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kriansa/image-info/internal/blkid"
	"github.com/kriansa/image-info/internal/cleanup"
	"github.com/kriansa/image-info/internal/collector"
	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/config"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/log"
	"github.com/kriansa/image-info/internal/loop"
	"github.com/kriansa/image-info/internal/lvm"
	"github.com/kriansa/image-info/internal/mount"
	"github.com/kriansa/image-info/internal/orchestrator"
	"github.com/kriansa/image-info/internal/qemuimg"
	"github.com/kriansa/image-info/internal/sfdisk"
)

// ErrConversionDisabled is returned for non-raw images when conversion is turned off
var ErrConversionDisabled = errors.New("image is not raw and conversion is disabled")

// ImageTool identifies and converts image formats
type ImageTool interface {
	Info(ctx context.Context, path string) (*qemuimg.Format, error)
	ConvertToRaw(ctx context.Context, src, dst string) error
}

// TableReader reads partition tables
type TableReader interface {
	Read(ctx context.Context, device string) (*disk.PartitionTable, error)
}

// Prober probes devices for filesystem attributes
type Prober interface {
	Probe(ctx context.Context, device string) (disk.Attributes, error)
}

// attachFunc binds size bytes at offset of path to a device and returns
// the device path and how to release it
type attachFunc func(ctx context.Context, path string, offset, size uint64) (string, func() error, error)

// activateFunc activates the volume group on device and returns it with
// how to deactivate it
type activateFunc func(ctx context.Context, device string) (*disk.VolumeGroup, func(context.Context) error, error)

// Inspector inspects images
type Inspector struct {
	scratchDir string
	convert    bool

	images   ImageTool
	tables   TableReader
	prober   Prober
	attach   attachFunc
	activate activateFunc
	mounts   *orchestrator.Orchestrator
	readers  collector.Registry

	closers []func() error
}

// New creates an Inspector wired to the system tools
func New(cfg *config.Config, runner command.Runner, readers collector.Registry) (*Inspector, error) {
	interval, err := cfg.RetryInterval()
	if err != nil {
		return nil, err
	}

	loops, err := loop.NewManager()
	if err != nil {
		return nil, fmt.Errorf("loop devices: %w", err)
	}

	backend, err := lvm.NewBackend(cfg.LVMBackend, runner)
	if err != nil {
		loops.Close()
		return nil, err
	}

	prober := blkid.New(runner)
	activator := lvm.NewActivator(backend, prober, lvm.WithRetries(cfg.Retries(), interval))

	return &Inspector{
		scratchDir: cfg.ScratchDir,
		convert:    cfg.Convert(),
		images:     qemuimg.New(runner),
		tables:     sfdisk.New(runner, prober),
		prober:     prober,
		attach: func(ctx context.Context, path string, offset, size uint64) (string, func() error, error) {
			dev, err := loops.Open(ctx, path, offset, size)
			if err != nil {
				return "", nil, err
			}
			return dev.Path, dev.Detach, nil
		},
		activate: func(ctx context.Context, device string) (*disk.VolumeGroup, func(context.Context) error, error) {
			group, err := activator.Activate(ctx, device)
			if err != nil {
				return nil, nil, err
			}
			return group.VolumeGroup, group.Deactivate, nil
		},
		mounts:  orchestrator.New(mount.NewExecMounter(runner), cfg.ScratchDir),
		readers: readers,
		closers: []func() error{backend.Close, loops.Close},
	}, nil
}

// Close releases the loop control device and the LVM backend
func (i *Inspector) Close() error {
	var errs []error
	for _, c := range i.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Inspect builds the report for the image at path. Everything acquired on
// the way is released before returning; a failed release fails the
// inspection.
func (i *Inspector) Inspect(ctx context.Context, path string) (report *Report, retErr error) {
	var stack cleanup.Stack
	defer func() {
		cleanup.Do(ctx, func(ctx context.Context) {
			if err := stack.Unwind(ctx); err != nil {
				retErr = errors.Join(retErr, err)
			}
		})
		if retErr != nil {
			report = nil
		}
	}()

	format, err := i.images.Info(ctx, path)
	if err != nil {
		return nil, err
	}

	raw, err := i.rawImage(ctx, &stack, path, format)
	if err != nil {
		return nil, err
	}

	table, err := i.tables.Read(ctx, raw)
	if err != nil {
		return nil, err
	}

	report = &Report{
		ImageFormat:      format,
		PartitionTable:   table.Kind,
		PartitionTableID: table.ID,
		Partitions:       table.Partitions,
	}

	for _, p := range table.Partitions {
		if err := i.openPartition(ctx, &stack, raw, table.Kind, p); err != nil {
			return nil, err
		}
		if p.Group != nil {
			if report.LVM == nil {
				report.LVM = make(map[string][]*disk.LogicalVolume)
			}
			report.LVM[p.Group.Name] = p.Group.Volumes
		}
	}

	root, err := i.mounts.Mount(ctx, &stack, table.Volumes())
	if err != nil {
		return nil, err
	}

	report.Facts, err = i.readers.Collect(ctx, root)
	if err != nil {
		return nil, err
	}

	return report, nil
}

// rawImage returns a path loop devices can read, converting the image into
// the scratch dir when it is not raw
func (i *Inspector) rawImage(ctx context.Context, stack *cleanup.Stack, path string, format *qemuimg.Format) (string, error) {
	if format.Raw() {
		return path, nil
	}
	if !i.convert {
		return "", fmt.Errorf("%w: %s is %s", ErrConversionDisabled, path, format.Type)
	}

	dir, err := os.MkdirTemp(i.scratchDir, "image-info-raw-")
	if err != nil {
		return "", fmt.Errorf("create conversion dir: %w", err)
	}
	stack.Push("conversion dir "+dir, func(context.Context) error {
		return os.RemoveAll(dir)
	})

	raw := filepath.Join(dir, "image.raw")
	if err := i.images.ConvertToRaw(ctx, path, raw); err != nil {
		return "", err
	}
	return raw, nil
}

// openPartition attaches p, probes it and activates its volume group if it
// is an LVM physical volume
func (i *Inspector) openPartition(ctx context.Context, stack *cleanup.Stack, raw string, kind disk.TableKind, p *disk.Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, detach, err := i.attach(ctx, raw, p.Start, p.Size)
	if err != nil {
		return fmt.Errorf("attach partition %s: %w", p.PartUUID, err)
	}
	stack.Push("loop "+dev, func(context.Context) error {
		return detach()
	})
	if err := p.SetDevice(dev); err != nil {
		return err
	}

	// an unpartitioned image was probed while reading the table
	if kind != disk.KindNone {
		attrs, err := i.prober.Probe(ctx, dev)
		if err != nil {
			return fmt.Errorf("probe %s: %w", dev, err)
		}
		p.SetAttributes(attrs)
	}

	if !p.IsLVM() {
		return nil
	}

	group, deactivate, err := i.activate(ctx, dev)
	if err != nil {
		return err
	}
	stack.Push("volume group "+group.Name, deactivate)
	p.Group = group

	log.Debug("volume group activated", "vg", group.Name, "volumes", len(group.Volumes))
	return nil
}
