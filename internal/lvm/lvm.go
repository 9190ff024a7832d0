// Package lvm activates the LVM volume group found on a physical volume and
// exposes its logical volumes.
package lvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/log"
	"github.com/kriansa/image-info/internal/validation"
)

const (
	// DefaultRetries bounds how often a physical volume LVM has not picked up yet is looked up again
	DefaultRetries = 10
	// DefaultRetryInterval is multiplied by the attempt number between lookups
	DefaultRetryInterval = time.Second
)

// ErrPhysicalVolumeNotFound is returned when LVM never reports a volume group for a device
var ErrPhysicalVolumeNotFound = errors.New("could not find volume group for physical volume")

// errNotReady is returned by backends while LVM has not scanned the device yet
var errNotReady = errors.New("physical volume not ready")

// Backend talks to LVM
type Backend interface {
	io.Closer
	// VolumeGroup returns the name of the volume group on device, or
	// errNotReady if LVM does not know the device yet
	VolumeGroup(ctx context.Context, device string) (string, error)
	// Activate activates every logical volume of vg
	Activate(ctx context.Context, vg string) error
	// LogicalVolumes lists the logical volumes of an active vg in LVM's order
	LogicalVolumes(ctx context.Context, vg string) ([]*disk.LogicalVolume, error)
	// Deactivate deactivates vg
	Deactivate(ctx context.Context, vg string) error
}

// NewBackend creates a Backend by name
func NewBackend(name string, runner command.Runner) (Backend, error) {
	switch name {
	case "cli":
		return NewCLIBackend(runner), nil
	case "dbus":
		b, err := NewDBusBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown lvm backend: %s (use 'cli' or 'dbus')", name)
	}
}

// Prober probes a device for filesystem attributes
type Prober interface {
	Probe(ctx context.Context, device string) (disk.Attributes, error)
}

// Activator turns physical volumes into activated groups of probed logical volumes
type Activator struct {
	backend    Backend
	prober     Prober
	retries    int
	interval   time.Duration
	noRecovery bool
	sleep      func(ctx context.Context, d time.Duration) error
	ensureNode func(path string, major, minor uint32) error
}

// Option configures an Activator
type Option func(*Activator)

// WithRetries sets how many times an unknown physical volume is looked up
// again and the base interval between lookups
func WithRetries(retries int, interval time.Duration) Option {
	return func(a *Activator) {
		a.retries = retries
		a.interval = interval
	}
}

// WithNoRecovery controls whether journaled filesystems on logical volumes
// are mounted with "norecovery"
func WithNoRecovery(enabled bool) Option {
	return func(a *Activator) {
		a.noRecovery = enabled
	}
}

// WithSleep replaces the wait between lookups (for testing)
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Activator) {
		a.sleep = fn
	}
}

// WithNodeFunc replaces device node creation (for testing)
func WithNodeFunc(fn func(path string, major, minor uint32) error) Option {
	return func(a *Activator) {
		a.ensureNode = fn
	}
}

// NewActivator creates an Activator
func NewActivator(backend Backend, prober Prober, opts ...Option) *Activator {
	a := &Activator{
		backend:    backend,
		prober:     prober,
		retries:    DefaultRetries,
		interval:   DefaultRetryInterval,
		noRecovery: true,
		sleep:      sleepContext,
		ensureNode: EnsureDeviceNode,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Group is an activated volume group. It must be deactivated when the
// caller is done with its volumes.
type Group struct {
	*disk.VolumeGroup
	backend Backend
}

// Deactivate deactivates the volume group
func (g *Group) Deactivate(ctx context.Context) error {
	log.Debug("deactivating volume group", "vg", g.Name)
	if err := g.backend.Deactivate(ctx, g.Name); err != nil {
		return fmt.Errorf("deactivate volume group %s: %w", g.Name, err)
	}
	return nil
}

// Activate finds the volume group on device, activates it and probes every
// logical volume. Logical volumes named root* come first.
func (a *Activator) Activate(ctx context.Context, device string) (*Group, error) {
	vg, err := a.volumeGroup(ctx, device)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateLVMName(vg); err != nil {
		return nil, fmt.Errorf("volume group on %s: %w", device, err)
	}

	log.Debug("activating volume group", "vg", vg, "device", device)
	if err := a.backend.Activate(ctx, vg); err != nil {
		return nil, fmt.Errorf("activate volume group %s: %w", vg, err)
	}

	group := &Group{VolumeGroup: &disk.VolumeGroup{Name: vg}, backend: a.backend}
	if err := a.populate(ctx, group.VolumeGroup); err != nil {
		return nil, errors.Join(err, group.Deactivate(ctx))
	}

	return group, nil
}

func (a *Activator) populate(ctx context.Context, group *disk.VolumeGroup) error {
	lvs, err := a.backend.LogicalVolumes(ctx, group.Name)
	if err != nil {
		return fmt.Errorf("list logical volumes of %s: %w", group.Name, err)
	}

	for _, lv := range lvs {
		lv.Group = group.Name
		lv.NoRecovery = a.noRecovery

		if err := a.ensureNode(lv.Path, lv.Major, lv.Minor); err != nil {
			return fmt.Errorf("create device node for %s/%s: %w", group.Name, lv.Name, err)
		}
		if err := lv.SetDevice(lv.Path); err != nil {
			return err
		}

		attrs, err := a.prober.Probe(ctx, lv.Path)
		if err != nil {
			return fmt.Errorf("probe %s: %w", lv.Path, err)
		}
		lv.SetAttributes(attrs)

		group.Volumes = append(group.Volumes, lv)
	}

	group.SortRootFirst()
	return nil
}

// volumeGroup looks the volume group up, waiting a little longer after each
// miss since udev and LVM may still be scanning a freshly attached device
func (a *Activator) volumeGroup(ctx context.Context, device string) (string, error) {
	for attempt := 0; ; attempt++ {
		vg, err := a.backend.VolumeGroup(ctx, device)
		if err == nil {
			return vg, nil
		}
		if !errors.Is(err, errNotReady) {
			return "", fmt.Errorf("look up volume group on %s: %w", device, err)
		}
		if attempt >= a.retries {
			return "", fmt.Errorf("%w: %s", ErrPhysicalVolumeNotFound, device)
		}

		delay := a.interval * time.Duration(attempt)
		log.Debug("physical volume not ready", "device", device, "attempt", attempt, "delay", delay)
		if err := a.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
