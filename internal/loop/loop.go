// Package loop binds image files to read-only Linux loop devices.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/kriansa/image-info/internal/log"
)

// Manager hands out loop devices from /dev/loop-control
type Manager struct {
	ctl control
}

// NewManager opens /dev/loop-control
func NewManager() (*Manager, error) {
	ctl, err := openControl()
	if err != nil {
		return nil, err
	}
	return &Manager{ctl: ctl}, nil
}

// Close releases the loop control device. Attached devices are not affected.
func (m *Manager) Close() error {
	return m.ctl.Close()
}

// Open binds the file at path to a loop device. The device keeps its own
// reference to the file, which is closed before returning.
func (m *Manager) Open(ctx context.Context, path string, offset, size uint64) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return m.Attach(ctx, f, offset, size)
}

// Attach binds file to a free loop device, exposing size bytes starting at
// offset. A size of zero exposes everything up to the end of the file.
//
// Another process may grab the same free device between LOOP_CTL_GET_FREE
// and LOOP_SET_FD, in which case a new one is requested. The device is
// read-only and auto-clears once the last descriptor is closed.
func (m *Manager) Attach(ctx context.Context, file *os.File, offset, size uint64) (*Device, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := m.ctl.GetFree()
		if err != nil {
			return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", err)
		}
		path := fmt.Sprintf("/dev/loop%d", n)

		fd, err := m.ctl.OpenDevice(n)
		if err != nil {
			return nil, fmt.Errorf("failed to open loop device %s: %w", path, err)
		}

		if err := m.ctl.SetFD(fd, file.Fd()); err != nil {
			_ = m.ctl.CloseFD(fd)
			if errors.Is(err, syscall.EBUSY) {
				log.Debug("loop device taken, retrying", "device", path)
				continue
			}
			return nil, fmt.Errorf("LOOP_SET_FD failed for %s: %w", path, err)
		}

		info := LoopInfo64{
			Offset:    offset,
			SizeLimit: size,
			Flags:     LoFlagsReadOnly | LoFlagsAutoclear,
		}
		copy(info.FileName[:], file.Name())

		if err := m.ctl.SetStatus(fd, &info); err != nil {
			_ = m.ctl.ClearFD(fd)
			_ = m.ctl.CloseFD(fd)
			if errors.Is(err, syscall.EAGAIN) {
				log.Debug("loop device status busy, retrying", "device", path)
				continue
			}
			return nil, fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", path, err)
		}

		dev := &Device{Path: path, Number: n, ctl: m.ctl, fd: fd}
		if err := dev.verify(offset, size); err != nil {
			return nil, errors.Join(err, dev.Detach())
		}

		log.Debug("loop device attached", "device", path, "file", file.Name(), "offset", offset, "size", size)
		return dev, nil
	}
}

// verify checks that the kernel applied the requested window and flags
func (d *Device) verify(offset, size uint64) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	if info.Offset != offset || info.SizeLimit != size {
		return fmt.Errorf("loop device %s: kernel set offset %d size %d, want offset %d size %d",
			d.Path, info.Offset, info.SizeLimit, offset, size)
	}
	if info.Flags&LoFlagsReadOnly == 0 {
		return fmt.Errorf("loop device %s is not read-only", d.Path)
	}
	return nil
}

// Device is an attached loop device. It stays bound until Detach is called.
type Device struct {
	// Path is the device node, e.g. "/dev/loop0"
	Path string
	// Number is the loop device number
	Number int

	mu       sync.Mutex
	ctl      control
	fd       int
	detached bool
}

// Info returns the current status of the device
func (d *Device) Info() (*LoopInfo64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return nil, fmt.Errorf("loop device %s is detached", d.Path)
	}

	var info LoopInfo64
	if err := d.ctl.GetStatus(d.fd, &info); err != nil {
		return nil, fmt.Errorf("LOOP_GET_STATUS64 failed for %s: %w", d.Path, err)
	}
	return &info, nil
}

// Detach clears the binding and closes the device. Calling it again is a no-op.
func (d *Device) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return nil
	}
	d.detached = true

	var errs []error
	// ENXIO means the kernel already cleared it
	if err := d.ctl.ClearFD(d.fd); err != nil && !errors.Is(err, syscall.ENXIO) {
		errs = append(errs, fmt.Errorf("LOOP_CLR_FD failed for %s: %w", d.Path, err))
	}
	if err := d.ctl.CloseFD(d.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", d.Path, err))
	}

	log.Debug("loop device detached", "device", d.Path)
	return errors.Join(errs...)
}
