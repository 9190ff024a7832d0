//go:build integration

// Package testvm boots a throwaway QEMU guest for the integration tests.
// The inspector needs root, loop devices and device-mapper, none of which
// a CI container reliably provides.
package testvm

import (
	"context"
	"fmt"
	"os"
	"time"
)

// VM is a running guest reachable over SSH
type VM interface {
	Run(ctx context.Context, cmd string) (string, error)
	Upload(localPath, remotePath string, mode os.FileMode) error
	Download(remotePath, localPath string) error
	WaitForSSH(ctx context.Context) error
	Stop()
}

// Statusf prints progress straight to stdout so it shows while tests run
func Statusf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Poll runs check until it returns nil or timeout expires
func Poll(ctx context.Context, timeout, every time.Duration, check func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = check(); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout after %v: %w", timeout, lastErr)
		case <-time.After(every):
		}
	}
}
