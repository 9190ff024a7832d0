package validation

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// MaxLVMNameLength is the maximum length of an LVM volume group or logical volume name
	MaxLVMNameLength = 127
)

// lvmNamePattern matches the characters LVM accepts in VG and LV names.
// See lvm(8), "VALID NAMES".
var lvmNamePattern = regexp.MustCompile(`^[a-zA-Z0-9+_.][a-zA-Z0-9+_.-]*$`)

// ValidateLVMName validates a volume group or logical volume name as reported by LVM:
// - Only alphanumeric, plus, underscore, dot, and hyphen characters
// - Must not start with a hyphen
// - Must not be "." or ".."
// - At most 127 characters
func ValidateLVMName(name string) error {
	if name == "" {
		return fmt.Errorf("lvm name must not be empty")
	}

	if len(name) > MaxLVMNameLength {
		return fmt.Errorf("lvm name %q must be at most %d characters", name, MaxLVMNameLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("lvm name %q is reserved", name)
	}

	if !lvmNamePattern.MatchString(name) {
		return fmt.Errorf("lvm name %q must not start with a hyphen and may only contain alphanumeric, plus, underscore, dot, or hyphen characters", name)
	}

	return nil
}

// ValidateMountpoint validates that an fstab mountpoint can be joined under a scratch root:
// - Absolute
// - Already clean (no "..", no duplicate or trailing slashes)
func ValidateMountpoint(mountpoint string) error {
	if !strings.HasPrefix(mountpoint, "/") {
		return fmt.Errorf("mountpoint %q is not absolute", mountpoint)
	}

	if path.Clean(mountpoint) != mountpoint {
		return fmt.Errorf("mountpoint %q is not a clean path", mountpoint)
	}

	return nil
}
