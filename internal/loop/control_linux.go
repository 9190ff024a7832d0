package loop

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Loop device ioctl constants from <linux/loop.h>
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopGetStatus64 = 0x4C05
	loopCtlGetFree  = 0x4C82
)

type sysControl struct {
	fd int
}

func openControl() (control, error) {
	fd, err := unix.Open("/dev/loop-control", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/loop-control: %w", err)
	}
	return &sysControl{fd: fd}, nil
}

func (c *sysControl) GetFree() (int, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), loopCtlGetFree, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (c *sysControl) OpenDevice(n int) (int, error) {
	return unix.Open(fmt.Sprintf("/dev/loop%d", n), unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

func (c *sysControl) SetFD(loopFd int, backingFd uintptr) error {
	return ioctl(loopFd, loopSetFd, backingFd)
}

func (c *sysControl) SetStatus(loopFd int, info *LoopInfo64) error {
	return ioctl(loopFd, loopSetStatus64, uintptr(unsafe.Pointer(info)))
}

func (c *sysControl) GetStatus(loopFd int, info *LoopInfo64) error {
	return ioctl(loopFd, loopGetStatus64, uintptr(unsafe.Pointer(info)))
}

func (c *sysControl) ClearFD(loopFd int) error {
	return ioctl(loopFd, loopClrFd, 0)
}

func (c *sysControl) CloseFD(fd int) error {
	return unix.Close(fd)
}

func (c *sysControl) Close() error {
	return unix.Close(c.fd)
}

func ioctl(fd int, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
