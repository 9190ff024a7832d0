package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/image-info/internal/cleanup"
	"github.com/kriansa/image-info/internal/disk"
)

type mountCall struct {
	device  string
	target  string
	fsType  string
	options []string
}

// treeMounter "mounts" a device by writing its files into the target, which
// must already exist, and "unmounts" by emptying the target again
type treeMounter struct {
	trees      map[string]map[string]string
	links      map[string]map[string]string
	failDevice string
	unmountErr error

	mounts   []mountCall
	unmounts []string
}

func (m *treeMounter) Mount(_ context.Context, source, target, fsType string, options []string) error {
	if source == m.failDevice {
		return errors.New("mount: wrong fs type, bad option, bad superblock on " + source)
	}
	if fi, err := os.Stat(target); err != nil || !fi.IsDir() {
		return fmt.Errorf("mount: %s: mount point does not exist", target)
	}

	m.mounts = append(m.mounts, mountCall{source, target, fsType, options})
	for rel, content := range m.trees[source] {
		path := filepath.Join(target, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	for rel, dest := range m.links[source] {
		if err := os.Symlink(dest, filepath.Join(target, rel)); err != nil {
			return err
		}
	}
	return nil
}

func (m *treeMounter) Unmount(_ context.Context, target string) error {
	m.unmounts = append(m.unmounts, target)
	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	return m.unmountErr
}

func (m *treeMounter) IsMounted(target string) (bool, error) {
	for _, c := range m.mounts {
		if c.target == target && !slices.Contains(m.unmounts, target) {
			return true, nil
		}
	}
	return false, nil
}

func partition(t *testing.T, device, uuid, fstype string) *disk.Partition {
	t.Helper()
	p := &disk.Partition{PartUUID: "part-" + uuid, UUID: uuid, FSType: fstype}
	require.NoError(t, p.SetDevice(device))
	return p
}

const abcFstab = `UUID=c /var/lib ext4 defaults 0 0
UUID=a / xfs defaults 0 0
UUID=b /var xfs noatime 0 0
`

func abcVolumes(t *testing.T) ([]disk.Volume, *treeMounter) {
	vols := []disk.Volume{
		partition(t, "/dev/loop2", "b", "xfs"),
		partition(t, "/dev/loop1", "a", "xfs"),
		partition(t, "/dev/loop3", "c", "ext4"),
	}
	m := &treeMounter{trees: map[string]map[string]string{
		"/dev/loop1": {"etc/fstab": abcFstab, "var/.keep": ""},
		"/dev/loop2": {"lib/.keep": ""},
		"/dev/loop3": {"rpm/Packages": "db"},
	}}
	return vols, m
}

func TestMountCommitsInMountpointOrder(t *testing.T) {
	vols, m := abcVolumes(t)
	scratch := t.TempDir()
	o := New(m, scratch)

	var stack cleanup.Stack
	root, err := o.Mount(context.Background(), &stack, vols)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(root, scratch))

	// search: b has no fstab, a does and wins; c is never looked at
	require.Len(t, m.mounts, 5)
	assert.Equal(t, "/dev/loop2", m.mounts[0].device)
	assert.Equal(t, "/dev/loop1", m.mounts[1].device)

	commit := m.mounts[2:]
	assert.Equal(t, mountCall{"/dev/loop1", root, "", []string{"defaults"}}, commit[0])
	assert.Equal(t, mountCall{"/dev/loop2", filepath.Join(root, "var"), "xfs", []string{"noatime"}}, commit[1])
	assert.Equal(t, mountCall{"/dev/loop3", filepath.Join(root, "var/lib"), "ext4", []string{"defaults"}}, commit[2])

	data, err := os.ReadFile(filepath.Join(root, "var/lib/rpm/Packages"))
	require.NoError(t, err)
	assert.Equal(t, "db", string(data))

	require.NoError(t, stack.Unwind(context.Background()))

	order := stack.Order()
	require.Len(t, order, 8)
	reversed := slices.Clone(order)
	slices.Reverse(reversed)
	assert.Equal(t, reversed, stack.Released())

	assert.Equal(t, []string{
		filepath.Join(root, "var/lib"),
		filepath.Join(root, "var"),
		root,
		m.mounts[1].target,
		m.mounts[0].target,
	}, m.unmounts)

	left, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, left, "all mountpoints are removed")
}

func TestSymlinkedMountpointResolvesInsideRoot(t *testing.T) {
	vols := []disk.Volume{
		partition(t, "/dev/loop1", "a", "xfs"),
		partition(t, "/dev/loop2", "b", "xfs"),
	}
	m := &treeMounter{
		trees: map[string]map[string]string{
			"/dev/loop1": {
				"etc/fstab":      "UUID=a / xfs defaults 0 0\nUUID=b /home xfs defaults 0 0\n",
				"var/home/.keep": "",
			},
			"/dev/loop2": {"user/.keep": ""},
		},
		links: map[string]map[string]string{"/dev/loop1": {"home": "/var/home"}},
	}

	var stack cleanup.Stack
	root, err := New(m, t.TempDir()).Mount(context.Background(), &stack, vols)
	require.NoError(t, err)
	defer func() { require.NoError(t, stack.Unwind(context.Background())) }()

	last := m.mounts[len(m.mounts)-1]
	assert.Equal(t, filepath.Join(root, "var/home"), last.target)
	assert.FileExists(t, filepath.Join(root, "var/home/user/.keep"))
}

func TestSymlinkedMountpointNeverReachesHost(t *testing.T) {
	host := t.TempDir()
	vols := []disk.Volume{
		partition(t, "/dev/loop1", "a", "xfs"),
		partition(t, "/dev/loop2", "b", "xfs"),
	}
	m := &treeMounter{
		trees: map[string]map[string]string{
			"/dev/loop1": {"etc/fstab": "UUID=a / xfs defaults 0 0\nUUID=b /home xfs defaults 0 0\n"},
			"/dev/loop2": {"user/.keep": ""},
		},
		links: map[string]map[string]string{"/dev/loop1": {"home": host}},
	}

	var stack cleanup.Stack
	root, err := New(m, t.TempDir()).Mount(context.Background(), &stack, vols)
	// the link target does not exist inside the image
	require.ErrorContains(t, err, "mount point does not exist")
	require.NoError(t, stack.Unwind(context.Background()))
	assert.Empty(t, root)

	for _, c := range m.mounts {
		assert.False(t, strings.HasPrefix(c.target, host), "mounted at %s", c.target)
	}
	left, err := os.ReadDir(host)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunCallsFnWithRoot(t *testing.T) {
	vols, m := abcVolumes(t)
	o := New(m, t.TempDir())

	var seen string
	err := o.Run(context.Background(), vols, func(root string) error {
		seen = root
		_, err := os.Stat(filepath.Join(root, "etc/fstab"))
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.Len(t, m.unmounts, 5)
}

func TestRunJoinsTeardownErrors(t *testing.T) {
	vols, m := abcVolumes(t)
	m.unmountErr = errors.New("umount: target is busy")
	bodyErr := errors.New("reader failed")

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error { return bodyErr })
	require.ErrorIs(t, err, bodyErr)
	assert.Contains(t, err.Error(), "target is busy")
	assert.Len(t, m.unmounts, 5, "teardown continues past failures")
}

func TestRootNotFirst(t *testing.T) {
	vols := []disk.Volume{partition(t, "/dev/loop1", "a", "xfs")}
	m := &treeMounter{trees: map[string]map[string]string{
		"/dev/loop1": {"etc/fstab": "UUID=a /boot ext4 defaults 0 0\n"},
	}}

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error {
		t.Fatal("fn must not run")
		return nil
	})
	var rootErr *RootNotFirstError
	require.ErrorAs(t, err, &rootErr)
	assert.Equal(t, "/boot", rootErr.Mountpoint)
	assert.Len(t, m.unmounts, 1, "search mount is still released")
}

func TestEmptyPlan(t *testing.T) {
	vols := []disk.Volume{partition(t, "/dev/loop1", "a", "xfs")}
	m := &treeMounter{trees: map[string]map[string]string{
		"/dev/loop1": {"etc/fstab": "# nothing here\ntmpfs /tmp tmpfs defaults 0 0\n"},
	}}

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error { return nil })
	var rootErr *RootNotFirstError
	require.ErrorAs(t, err, &rootErr)
	assert.Empty(t, rootErr.Mountpoint)
}

func TestUnknownVolume(t *testing.T) {
	vols := []disk.Volume{partition(t, "/dev/loop1", "a", "xfs")}
	m := &treeMounter{trees: map[string]map[string]string{
		"/dev/loop1": {"etc/fstab": "UUID=a / xfs defaults 0 0\nUUID=missing /home xfs defaults 0 0\n"},
	}}

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error { return nil })
	var unknown *UnknownVolumeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "UUID=missing", unknown.Source)
	assert.Equal(t, "/home", unknown.Mountpoint)
	assert.Len(t, m.unmounts, 2)
}

func TestNoFstab(t *testing.T) {
	vols := []disk.Volume{
		partition(t, "/dev/loop1", "a", "xfs"),
		partition(t, "/dev/loop2", "s", "swap"),
		partition(t, "/dev/loop3", "b", "ext4"),
	}
	m := &treeMounter{trees: map[string]map[string]string{}}

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error { return nil })
	require.ErrorIs(t, err, ErrNoFstab)
	assert.Len(t, m.mounts, 2, "swap is never mounted")
	assert.Len(t, m.unmounts, 2)
}

func TestMountFailurePropagates(t *testing.T) {
	vols, m := abcVolumes(t)
	m.failDevice = "/dev/loop3"

	err := New(m, t.TempDir()).Run(context.Background(), vols, func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad superblock on /dev/loop3")
	assert.Len(t, m.unmounts, 4)
}

func TestResolveByLabelPartUUIDAndPath(t *testing.T) {
	boot := &disk.Partition{PartUUID: "1234abcd-01", UUID: "x", Label: "BOOT", FSType: "ext4"}
	root := &disk.LogicalVolume{Group: "rhel", Name: "root", Path: "/dev/rhel/root", UUID: "y", FSType: "xfs"}
	vols := []disk.Volume{boot, root}

	tests := []struct {
		line string
		want disk.Volume
	}{
		{"LABEL=BOOT /boot ext4", boot},
		{"PARTUUID=1234ABCD-01 /boot ext4", boot},
		{"UUID=Y / xfs", root},
		{"/dev/rhel/root / xfs", root},
		{"/dev/mapper/rhel-root / xfs", root},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			entries := mustParse(t, tt.line)
			got, err := resolve(vols, entries[0])
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}

	_, err := resolve(vols, mustParse(t, "LABEL=nope /x ext4")[0])
	assert.Error(t, err)
}

func TestIntrinsicOptionsAreAdded(t *testing.T) {
	lv := &disk.LogicalVolume{Group: "vg0", Name: "root", Path: "/dev/vg0/root", UUID: "r", FSType: "xfs", NoRecovery: true}
	require.NoError(t, lv.SetDevice("/dev/vg0/root"))
	m := &treeMounter{trees: map[string]map[string]string{
		"/dev/vg0/root": {"etc/fstab": "/dev/mapper/vg0-root / xfs defaults,norecovery 0 0\n"},
	}}

	err := New(m, t.TempDir()).Run(context.Background(), []disk.Volume{lv}, func(string) error { return nil })
	require.NoError(t, err)
	require.Len(t, m.mounts, 2)
	assert.Equal(t, []string{"norecovery"}, m.mounts[0].options)
	assert.Equal(t, []string{"defaults", "norecovery"}, m.mounts[1].options)
}

func TestUnion(t *testing.T) {
	assert.Equal(t, []string{"defaults", "norecovery"}, union([]string{"defaults"}, []string{"norecovery"}))
	assert.Equal(t, []string{"norecovery"}, union(nil, []string{"norecovery"}))
	assert.Equal(t, []string{"ro", "norecovery"}, union([]string{"ro", "norecovery"}, []string{"norecovery"}))
	assert.Empty(t, union(nil, nil))
}
