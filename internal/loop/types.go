package loop

// Loop device flags from <linux/loop.h>
const (
	LoFlagsReadOnly  = 1 << 0
	LoFlagsAutoclear = 1 << 2
)

// LoopInfo64 matches the kernel's struct loop_info64 from <linux/loop.h>,
// used by LOOP_SET_STATUS64 and LOOP_GET_STATUS64.
type LoopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// BackingFile returns the (possibly truncated) backing file name
func (info *LoopInfo64) BackingFile() string {
	for i, b := range info.FileName {
		if b == 0 {
			return string(info.FileName[:i])
		}
	}
	return string(info.FileName[:])
}

// control is the kernel surface the Manager drives. Descriptors are plain
// ints so the retry logic can be exercised without /dev/loop-control.
type control interface {
	// GetFree returns the number of an unbound loop device
	GetFree() (int, error)
	// OpenDevice opens /dev/loopN read-only
	OpenDevice(n int) (int, error)
	SetFD(loopFd int, backingFd uintptr) error
	SetStatus(loopFd int, info *LoopInfo64) error
	GetStatus(loopFd int, info *LoopInfo64) error
	ClearFD(loopFd int) error
	CloseFD(fd int) error
	// Close releases /dev/loop-control
	Close() error
}
