package loop

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl scripts the kernel's answers. Each device number maps to the
// errors SetFD and SetStatus should return for it.
type fakeControl struct {
	free      []int
	setFDErr  map[int]error
	statusErr map[int]error

	fdToDev map[int]int
	nextFd  int
	open    map[int]bool
	cleared []int
	status  map[int]LoopInfo64

	// ignoreSizeLimit mimics kernels that drop the size limit
	ignoreSizeLimit bool
}

func newFakeControl(free ...int) *fakeControl {
	return &fakeControl{
		free:      free,
		setFDErr:  map[int]error{},
		statusErr: map[int]error{},
		fdToDev:   map[int]int{},
		nextFd:    100,
		open:      map[int]bool{},
		status:    map[int]LoopInfo64{},
	}
}

func (f *fakeControl) GetFree() (int, error) {
	if len(f.free) == 0 {
		return 0, syscall.ENOSPC
	}
	n := f.free[0]
	f.free = f.free[1:]
	return n, nil
}

func (f *fakeControl) OpenDevice(n int) (int, error) {
	fd := f.nextFd
	f.nextFd++
	f.fdToDev[fd] = n
	f.open[fd] = true
	return fd, nil
}

func (f *fakeControl) SetFD(loopFd int, _ uintptr) error {
	return f.setFDErr[f.fdToDev[loopFd]]
}

func (f *fakeControl) SetStatus(loopFd int, info *LoopInfo64) error {
	if err := f.statusErr[f.fdToDev[loopFd]]; err != nil {
		return err
	}
	applied := *info
	if f.ignoreSizeLimit {
		applied.SizeLimit = 0
	}
	f.status[loopFd] = applied
	return nil
}

func (f *fakeControl) GetStatus(loopFd int, info *LoopInfo64) error {
	*info = f.status[loopFd]
	return nil
}

func (f *fakeControl) ClearFD(loopFd int) error {
	f.cleared = append(f.cleared, f.fdToDev[loopFd])
	return nil
}

func (f *fakeControl) CloseFD(fd int) error {
	f.open[fd] = false
	return nil
}

func (f *fakeControl) Close() error { return nil }

func (f *fakeControl) openCount() int {
	n := 0
	for _, o := range f.open {
		if o {
			n++
		}
	}
	return n
}

func backingFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAttach(t *testing.T) {
	ctl := newFakeControl(3)
	m := &Manager{ctl: ctl}

	dev, err := m.Attach(context.Background(), backingFile(t), 1048576, 2048)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop3", dev.Path)
	assert.Equal(t, 3, dev.Number)

	info, err := dev.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), info.Offset)
	assert.Equal(t, uint64(2048), info.SizeLimit)
	assert.Equal(t, uint32(LoFlagsReadOnly|LoFlagsAutoclear), info.Flags)
	assert.Contains(t, info.BackingFile(), "disk.img")
}

func TestAttachRetriesBusyDevice(t *testing.T) {
	ctl := newFakeControl(0, 1, 2)
	ctl.setFDErr[0] = syscall.EBUSY
	ctl.setFDErr[1] = syscall.EBUSY
	m := &Manager{ctl: ctl}

	dev, err := m.Attach(context.Background(), backingFile(t), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop2", dev.Path)
	assert.Equal(t, 1, ctl.openCount(), "busy devices must be closed")
}

func TestAttachRetriesStatusAgain(t *testing.T) {
	ctl := newFakeControl(0, 1)
	ctl.statusErr[0] = syscall.EAGAIN
	m := &Manager{ctl: ctl}

	dev, err := m.Attach(context.Background(), backingFile(t), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop1", dev.Path)
	assert.Equal(t, []int{0}, ctl.cleared)
	assert.Equal(t, 1, ctl.openCount())
}

func TestAttachFailsOnOtherErrors(t *testing.T) {
	ctl := newFakeControl(0)
	ctl.setFDErr[0] = syscall.EBADF
	m := &Manager{ctl: ctl}

	_, err := m.Attach(context.Background(), backingFile(t), 0, 0)
	require.ErrorIs(t, err, syscall.EBADF)
	assert.Equal(t, 0, ctl.openCount())
}

func TestAttachRejectsIgnoredSizeLimit(t *testing.T) {
	ctl := newFakeControl(4)
	ctl.ignoreSizeLimit = true
	m := &Manager{ctl: ctl}

	_, err := m.Attach(context.Background(), backingFile(t), 512, 2048)
	require.ErrorContains(t, err, "want offset 512 size 2048")
	assert.Equal(t, []int{4}, ctl.cleared)
	assert.Equal(t, 0, ctl.openCount())
}

func TestAttachHonoursCancellation(t *testing.T) {
	ctl := newFakeControl(0, 1, 2)
	ctl.setFDErr[0] = syscall.EBUSY
	m := &Manager{ctl: ctl}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Attach(ctx, backingFile(t), 0, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDetachIsIdempotent(t *testing.T) {
	ctl := newFakeControl(5)
	m := &Manager{ctl: ctl}

	dev, err := m.Attach(context.Background(), backingFile(t), 0, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Detach())
	require.NoError(t, dev.Detach())
	assert.Equal(t, []int{5}, ctl.cleared)
	assert.Equal(t, 0, ctl.openCount())

	_, err = dev.Info()
	assert.Error(t, err)
}
