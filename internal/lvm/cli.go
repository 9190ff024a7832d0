package lvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/log"
)

// pvdisplay exits with 5 when it does not know the device yet
const exitPVNotFound = 5

// CLIBackend implements Backend using the LVM command line tools
type CLIBackend struct {
	runner command.Runner
}

// NewCLIBackend creates a new LVM CLI backend
func NewCLIBackend(runner command.Runner) *CLIBackend {
	return &CLIBackend{runner: runner}
}

// Close implements io.Closer
func (b *CLIBackend) Close() error { return nil }

// VolumeGroup returns the volume group of the physical volume device
func (b *CLIBackend) VolumeGroup(ctx context.Context, device string) (string, error) {
	log.Debug("looking up volume group via cli", "device", device)

	res, err := b.runner.Run(ctx, "pvdisplay", "-C", "--noheadings", "-o", "vg_name", device)
	if err != nil {
		if command.ExitCodeOf(err) == exitPVNotFound {
			return "", errNotReady
		}
		return "", err
	}

	vg := strings.TrimSpace(string(res.Stdout))
	if vg == "" {
		return "", errNotReady
	}
	return vg, nil
}

// Activate runs vgchange -ay
func (b *CLIBackend) Activate(ctx context.Context, vg string) error {
	_, err := b.runner.Run(ctx, "vgchange", "-ay", vg)
	return err
}

// Deactivate runs vgchange -an
func (b *CLIBackend) Deactivate(ctx context.Context, vg string) error {
	_, err := b.runner.Run(ctx, "vgchange", "-an", vg)
	return err
}

// LogicalVolumes lists the logical volumes of vg with lvdisplay
func (b *CLIBackend) LogicalVolumes(ctx context.Context, vg string) ([]*disk.LogicalVolume, error) {
	res, err := b.runner.Run(ctx, "lvdisplay", "-C", "--noheadings", "--separator", ";",
		"-o", "lv_name,lv_path,lv_kernel_major,lv_kernel_minor", vg)
	if err != nil {
		return nil, err
	}
	return parseLVDisplay(string(res.Stdout))
}

// parseLVDisplay parses "name;path;major;minor" rows. Rows without a path
// (thin pools and other hidden volumes) or without a kernel device are skipped.
func parseLVDisplay(output string) ([]*disk.LogicalVolume, error) {
	var lvs []*disk.LogicalVolume

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ";")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected lvdisplay output: %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		if fields[1] == "" || fields[2] == "-1" {
			log.Debug("skipping logical volume", "lv", fields[0], "path", fields[1], "major", fields[2])
			continue
		}

		major, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse major of %s: %w", fields[0], err)
		}
		minor, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse minor of %s: %w", fields[0], err)
		}

		lvs = append(lvs, &disk.LogicalVolume{
			Name:  fields[0],
			Path:  fields[1],
			Major: uint32(major),
			Minor: uint32(minor),
		})
	}

	return lvs, nil
}
