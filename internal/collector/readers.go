package collector

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/kriansa/image-info/internal/keyvalue"
)

// OSRelease reads /etc/os-release, falling back to /usr/lib/os-release
type OSRelease struct{}

func (OSRelease) Name() string { return "os-release" }

func (OSRelease) Read(_ context.Context, root string) (any, error) {
	for _, rel := range []string{"etc/os-release", "usr/lib/os-release"} {
		data, err := readFile(root, rel)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return keyvalue.Parse(string(data)), nil
		}
	}
	return nil, nil
}

// Hostname reads /etc/hostname
type Hostname struct{}

func (Hostname) Name() string { return "hostname" }

func (Hostname) Read(_ context.Context, root string) (any, error) {
	return trimmed(root, "etc/hostname")
}

// MachineID reads /etc/machine-id. Images are often built with an empty one.
type MachineID struct{}

func (MachineID) Name() string { return "machine-id" }

func (MachineID) Read(_ context.Context, root string) (any, error) {
	return trimmed(root, "etc/machine-id")
}

func trimmed(root, rel string) (any, error) {
	data, err := readFile(root, rel)
	if err != nil || data == nil {
		return nil, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, nil
	}
	return s, nil
}

// DefaultTarget reports the default systemd target from the
// default.target symlink
type DefaultTarget struct{}

func (DefaultTarget) Name() string { return "default-target" }

func (DefaultTarget) Read(_ context.Context, root string) (any, error) {
	for _, rel := range []string{"etc/systemd/system/default.target", "usr/lib/systemd/system/default.target"} {
		// the link itself is read, only its parent is resolved
		dir, err := securejoin.SecureJoin(root, filepath.Dir(rel))
		if err != nil {
			return nil, err
		}
		target, err := os.Readlink(filepath.Join(dir, filepath.Base(rel)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return filepath.Base(target), nil
	}
	return nil, nil
}

// Fstab reports the uncommented lines of /etc/fstab split into fields,
// sorted
type Fstab struct{}

func (Fstab) Name() string { return "fstab" }

func (Fstab) Read(_ context.Context, root string) (any, error) {
	data, err := readFile(root, "etc/fstab")
	if err != nil || data == nil {
		return nil, err
	}

	var lines [][]string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, strings.Fields(line))
	}
	if len(lines) == 0 {
		return nil, nil
	}

	slices.SortFunc(lines, func(a, b []string) int { return slices.Compare(a, b) })
	return lines, nil
}
