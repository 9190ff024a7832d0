// Package mount mounts filesystems read-only with mount(8).
package mount

import (
	"context"
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/kriansa/image-info/internal/command"
	"github.com/kriansa/image-info/internal/log"
)

// Mounter defines the interface for mount/unmount operations
type Mounter interface {
	// Mount mounts source read-only at target. An empty fsType lets
	// mount(8) detect the filesystem.
	Mount(ctx context.Context, source, target, fsType string, options []string) error
	// Unmount lazily unmounts target
	Unmount(ctx context.Context, target string) error
	// IsMounted checks if the target is mounted
	IsMounted(target string) (bool, error)
}

// ExecMounter implements Mounter by running mount(8) and umount(8), which
// know about filesystem helpers and report problems better than the raw syscall
type ExecMounter struct {
	runner  command.Runner
	mounted func(path string) (bool, error)
}

// NewExecMounter creates a new mount(8) based mounter
func NewExecMounter(runner command.Runner) *ExecMounter {
	return &ExecMounter{runner: runner, mounted: mountinfo.Mounted}
}

// Options returns the -o argument for options: always "ro" first, with
// any request for a writable mount removed
func Options(options []string) string {
	opts := []string{"ro"}
	for _, o := range options {
		if o == "" || o == "ro" || o == "rw" {
			continue
		}
		opts = append(opts, o)
	}
	return strings.Join(opts, ",")
}

// Mount mounts source read-only at target
func (m *ExecMounter) Mount(ctx context.Context, source, target, fsType string, options []string) error {
	args := []string{"-o", Options(options)}
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	args = append(args, source, target)

	log.Debug("mounting filesystem", "source", source, "target", target, "type", fsType, "options", args[1])

	if _, err := m.runner.Run(ctx, "mount", args...); err != nil {
		return fmt.Errorf("mount %s to %s: %w", source, target, err)
	}

	log.Debug("mounted successfully", "source", source, "target", target)
	return nil
}

// Unmount detaches target lazily so handles left open by probing tools do not block it
func (m *ExecMounter) Unmount(ctx context.Context, target string) error {
	log.Debug("unmounting", "target", target)

	if _, err := m.runner.Run(ctx, "umount", "--lazy", target); err != nil {
		if mounted, merr := m.IsMounted(target); merr == nil && !mounted {
			log.Debug("already unmounted", "target", target)
			return nil
		}
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	log.Debug("unmounted successfully", "target", target)
	return nil
}

// IsMounted checks if the target is a mount point
func (m *ExecMounter) IsMounted(target string) (bool, error) {
	mounted, err := m.mounted(target)
	if err != nil {
		return false, fmt.Errorf("unable to check mount %s: %w", target, err)
	}
	return mounted, nil
}
