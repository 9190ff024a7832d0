//go:build !linux

package loop

import "github.com/containerd/errdefs"

func openControl() (control, error) {
	return nil, errdefs.ErrNotImplemented
}
