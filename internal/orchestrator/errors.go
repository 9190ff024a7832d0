package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNoFstab is returned when none of the volumes holds an /etc/fstab
var ErrNoFstab = errors.New("no tree to inspect: no volume contains etc/fstab")

// RootNotFirstError is returned when the first planned mountpoint is not "/".
// Everything else is mounted below the root, so it has to come first.
type RootNotFirstError struct {
	Mountpoint string // First mountpoint of the plan, empty when the plan is empty
}

func (e *RootNotFirstError) Error() string {
	if e.Mountpoint == "" {
		return "first mountpoint is not root: fstab has no mountable entries"
	}
	return fmt.Sprintf("first mountpoint is not root: %q", e.Mountpoint)
}

// UnknownVolumeError is returned when an fstab entry references a volume
// that is not part of the image
type UnknownVolumeError struct {
	Source     string // fstab source, e.g. "UUID=..."
	Mountpoint string
}

func (e *UnknownVolumeError) Error() string {
	return fmt.Sprintf("unknown volume %s for mountpoint %s", e.Source, e.Mountpoint)
}
