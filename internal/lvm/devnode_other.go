//go:build !linux

package lvm

import "github.com/containerd/errdefs"

// EnsureDeviceNode creates the block device node path for major:minor
func EnsureDeviceNode(path string, major, minor uint32) error {
	return errdefs.ErrNotImplemented
}
