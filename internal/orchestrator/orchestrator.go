// Package orchestrator reassembles an image's filesystem tree from its
// volumes: it finds the fstab, plans the mounts and mounts everything below
// a scratch root.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/kriansa/image-info/internal/cleanup"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/fstab"
	"github.com/kriansa/image-info/internal/log"
	"github.com/kriansa/image-info/internal/mount"
)

const fstabPath = "etc/fstab"

// volume types that carry no mountable filesystem
var unmountable = map[string]bool{
	"swap":        true,
	"LVM2_member": true,
	"crypto_LUKS": true,
}

// Orchestrator mounts the filesystems of an image in fstab order
type Orchestrator struct {
	mounter    mount.Mounter
	scratchDir string
}

// New creates an Orchestrator placing its mountpoints under scratchDir
func New(mounter mount.Mounter, scratchDir string) *Orchestrator {
	return &Orchestrator{mounter: mounter, scratchDir: scratchDir}
}

// Run mounts the tree, calls fn with its root and tears everything down
// again. Teardown errors are joined with fn's error.
func (o *Orchestrator) Run(ctx context.Context, volumes []disk.Volume, fn func(root string) error) (retErr error) {
	var stack cleanup.Stack
	defer func() {
		cleanup.Do(ctx, func(ctx context.Context) {
			retErr = errors.Join(retErr, stack.Unwind(ctx))
		})
	}()

	root, err := o.Mount(ctx, &stack, volumes)
	if err != nil {
		return err
	}
	return fn(root)
}

// Mount mounts the tree and returns its root. Every directory and mount it
// creates is pushed on stack; the caller unwinds it once done with the tree,
// including on error.
func (o *Orchestrator) Mount(ctx context.Context, stack *cleanup.Stack, volumes []disk.Volume) (string, error) {
	source, entries, err := o.search(ctx, stack, volumes)
	if err != nil {
		return "", err
	}
	log.Debug("using fstab", "volume", source.ID(), "entries", len(entries))

	plan, err := fstab.Plan(entries)
	if err != nil {
		return "", fmt.Errorf("plan mounts: %w", err)
	}

	return o.commit(ctx, stack, volumes, plan)
}

// search mounts volumes one by one until one of them has an fstab. The
// first one wins, even if several volumes carry one.
func (o *Orchestrator) search(ctx context.Context, stack *cleanup.Stack, volumes []disk.Volume) (disk.Volume, []fstab.Entry, error) {
	for _, v := range volumes {
		if unmountable[v.Attrs().FSType] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		dir, err := o.mountScratch(ctx, stack, v, nil)
		if err != nil {
			return nil, nil, err
		}

		path := filepath.Join(dir, fstabPath)
		if _, err := os.Stat(path); err != nil {
			log.Debug("no fstab on volume", "volume", v.ID(), "device", v.Device())
			continue
		}

		entries, err := fstab.ParseFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read fstab of %s: %w", v.ID(), err)
		}
		return v, entries, nil
	}

	return nil, nil, ErrNoFstab
}

func (o *Orchestrator) commit(ctx context.Context, stack *cleanup.Stack, volumes []disk.Volume, plan []fstab.Entry) (string, error) {
	if len(plan) == 0 {
		return "", &RootNotFirstError{}
	}
	if plan[0].Mountpoint != "/" {
		return "", &RootNotFirstError{Mountpoint: plan[0].Mountpoint}
	}

	rootVol, err := resolve(volumes, plan[0])
	if err != nil {
		return "", err
	}
	root, err := o.mountScratch(ctx, stack, rootVol, plan[0].Options)
	if err != nil {
		return "", err
	}

	for _, e := range plan[1:] {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		v, err := resolve(volumes, e)
		if err != nil {
			return "", err
		}

		// symlinks in the image resolve below root, never on the host
		target, err := securejoin.SecureJoin(root, e.Mountpoint)
		if err != nil {
			return "", fmt.Errorf("resolve mountpoint %s: %w", e.Mountpoint, err)
		}
		if err := o.mountAt(ctx, stack, v, target, e.FSType, e.Options); err != nil {
			return "", err
		}
	}

	return root, nil
}

// mountScratch mounts v at a new directory below the scratch dir
func (o *Orchestrator) mountScratch(ctx context.Context, stack *cleanup.Stack, v disk.Volume, options []string) (string, error) {
	dir, err := os.MkdirTemp(o.scratchDir, "image-info-")
	if err != nil {
		return "", fmt.Errorf("create mountpoint: %w", err)
	}
	stack.Push("mountpoint "+dir, func(context.Context) error {
		return os.Remove(dir)
	})

	if err := o.mountAt(ctx, stack, v, dir, "", options); err != nil {
		return "", err
	}
	return dir, nil
}

func (o *Orchestrator) mountAt(ctx context.Context, stack *cleanup.Stack, v disk.Volume, target, fsType string, options []string) error {
	if err := o.mounter.Mount(ctx, v.Device(), target, fsType, union(options, v.MountOptions())); err != nil {
		return err
	}
	stack.Push("mount "+target, func(ctx context.Context) error {
		return o.mounter.Unmount(ctx, target)
	})
	return nil
}

// resolve finds the volume an fstab entry refers to
func resolve(volumes []disk.Volume, e fstab.Entry) (disk.Volume, error) {
	for _, v := range volumes {
		if matches(v, e.Source) {
			return v, nil
		}
	}
	return nil, &UnknownVolumeError{Source: e.Source.String(), Mountpoint: e.Mountpoint}
}

func matches(v disk.Volume, src fstab.Source) bool {
	switch src.Tag {
	case fstab.TagUUID:
		return v.Attrs().UUID != "" && v.ID() == strings.ToUpper(src.Value)
	case fstab.TagLabel:
		return v.Attrs().Label != "" && v.Attrs().Label == src.Value
	case fstab.TagPartUUID:
		p, ok := v.(*disk.Partition)
		return ok && p.PartUUID != "" && strings.EqualFold(p.PartUUID, src.Value)
	}

	if lv, ok := v.(*disk.LogicalVolume); ok {
		return src.Value == lv.Path || src.Value == lv.MapperPath()
	}
	return false
}

// union returns options followed by the extra ones it does not contain yet
func union(options, extra []string) []string {
	res := slices.Clone(options)
	for _, o := range extra {
		if !slices.Contains(res, o) {
			res = append(res, o)
		}
	}
	return res
}
