package lvm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/log"
)

const (
	dbusService       = "com.redhat.lvmdbus1"
	dbusRootPath      = "/com/redhat/lvmdbus1"
	dbusManagerPath   = "/com/redhat/lvmdbus1/Manager"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	dbusManagerInterface = "com.redhat.lvmdbus1.Manager"
	dbusPvInterface      = "com.redhat.lvmdbus1.Pv"
	dbusVgInterface      = "com.redhat.lvmdbus1.Vg"
	dbusLvInterface      = "com.redhat.lvmdbus1.LvCommon"

	// a negative timeout makes lvmdbusd answer only once the job is done
	dbusWaitForever = int32(-1)
	// lvmdbusd uses "/" for "no object"
	dbusNoObject = dbus.ObjectPath("/")
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// DBusBackend implements Backend using the lvmdbusd API
type DBusBackend struct {
	conn      Bus
	sysfsRoot string
}

// DBusBackendOption is a functional option for DBusBackend
type DBusBackendOption func(*DBusBackend)

// WithConnection sets a custom DBus connection (for testing)
func WithConnection(conn Bus) DBusBackendOption {
	return func(b *DBusBackend) {
		b.conn = conn
	}
}

// WithSysfsRoot sets where sysfs is mounted (for testing)
func WithSysfsRoot(root string) DBusBackendOption {
	return func(b *DBusBackend) {
		b.sysfsRoot = root
	}
}

// NewDBusBackend creates a backend connected to lvmdbusd on the system bus
func NewDBusBackend(opts ...DBusBackendOption) (*DBusBackend, error) {
	b := &DBusBackend{sysfsRoot: "/sys"}
	for _, opt := range opts {
		opt(b)
	}

	if b.conn == nil {
		conn, err := DialSystemBus()
		if err != nil {
			return nil, fmt.Errorf("connect to system bus: %w", err)
		}
		b.conn = conn
	}

	return b, nil
}

// Close closes the DBus connection
func (b *DBusBackend) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *DBusBackend) getManagedObjects(ctx context.Context) (managedObjects, error) {
	obj := b.conn.Object(dbus.ObjectPath(dbusRootPath))

	var result managedObjects
	call := obj.CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}

	if err := call.Store(&result); err != nil {
		return nil, fmt.Errorf("store GetManagedObjects result: %w", err)
	}

	return result, nil
}

// refresh asks lvmdbusd to rescan so freshly attached devices show up
func (b *DBusBackend) refresh(ctx context.Context) error {
	obj := b.conn.Object(dbus.ObjectPath(dbusManagerPath))
	call := obj.CallWithContext(ctx, dbusManagerInterface+".Refresh", 0)
	if call.Err != nil {
		return fmt.Errorf("Refresh: %w", call.Err)
	}
	return nil
}

// VolumeGroup returns the volume group of the physical volume device
func (b *DBusBackend) VolumeGroup(ctx context.Context, device string) (string, error) {
	log.Debug("looking up volume group via dbus", "device", device)

	objects, err := b.getManagedObjects(ctx)
	if err != nil {
		return "", err
	}

	for _, interfaces := range objects {
		pvProps, ok := interfaces[dbusPvInterface]
		if !ok || stringProp(pvProps, "Name") != device {
			continue
		}

		vgPath, _ := pvProps["Vg"].Value().(dbus.ObjectPath)
		if vgPath == "" || vgPath == dbusNoObject {
			break
		}

		vgProps, ok := objects[vgPath][dbusVgInterface]
		if !ok {
			return "", fmt.Errorf("volume group object %s not found", vgPath)
		}
		if name := stringProp(vgProps, "Name"); name != "" {
			return name, nil
		}
		break
	}

	if err := b.refresh(ctx); err != nil {
		log.Warn("lvmdbusd refresh failed", "error", err)
	}
	return "", errNotReady
}

func (b *DBusBackend) findVGPath(objects managedObjects, vg string) (dbus.ObjectPath, error) {
	for path, interfaces := range objects {
		if props, ok := interfaces[dbusVgInterface]; ok && stringProp(props, "Name") == vg {
			return path, nil
		}
	}
	return "", fmt.Errorf("volume group %q not found", vg)
}

func (b *DBusBackend) callVg(ctx context.Context, vg, method string) error {
	objects, err := b.getManagedObjects(ctx)
	if err != nil {
		return err
	}

	vgPath, err := b.findVGPath(objects, vg)
	if err != nil {
		return err
	}

	var job dbus.ObjectPath
	obj := b.conn.Object(vgPath)
	call := obj.CallWithContext(ctx, dbusVgInterface+"."+method, 0,
		uint64(0), dbusWaitForever, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("%s: %w", method, call.Err)
	}
	if err := call.Store(&job); err != nil {
		return fmt.Errorf("store %s result: %w", method, err)
	}
	if job != dbusNoObject {
		log.Debug("volume group change running as job", "vg", vg, "job", job)
	}
	return nil
}

// Activate calls Vg.Activate
func (b *DBusBackend) Activate(ctx context.Context, vg string) error {
	return b.callVg(ctx, vg, "Activate")
}

// Deactivate calls Vg.Deactivate
func (b *DBusBackend) Deactivate(ctx context.Context, vg string) error {
	return b.callVg(ctx, vg, "Deactivate")
}

// LogicalVolumes lists the logical volumes of vg in the order of its Lvs property
func (b *DBusBackend) LogicalVolumes(ctx context.Context, vg string) ([]*disk.LogicalVolume, error) {
	objects, err := b.getManagedObjects(ctx)
	if err != nil {
		return nil, err
	}

	vgPath, err := b.findVGPath(objects, vg)
	if err != nil {
		return nil, err
	}

	lvPaths, _ := objects[vgPath][dbusVgInterface]["Lvs"].Value().([]dbus.ObjectPath)

	var lvs []*disk.LogicalVolume
	for _, lvPath := range lvPaths {
		props, ok := objects[lvPath][dbusLvInterface]
		if !ok {
			continue
		}

		lv := &disk.LogicalVolume{
			Name: stringProp(props, "Name"),
			Path: stringProp(props, "Path"),
		}
		if lv.Name == "" || lv.Path == "" {
			continue
		}

		lv.Major, lv.Minor, err = b.deviceNumber(vg, lv.Name)
		if err != nil {
			log.Debug("skipping logical volume without device", "lv", lv.Name, "error", err)
			continue
		}

		lvs = append(lvs, lv)
	}

	return lvs, nil
}

// deviceNumber finds the device-mapper device backing vg/lv in sysfs
func (b *DBusBackend) deviceNumber(vg, lv string) (uint32, uint32, error) {
	want := disk.DMName(vg, lv)

	names, err := filepath.Glob(filepath.Join(b.sysfsRoot, "block", "dm-*", "dm", "name"))
	if err != nil {
		return 0, 0, err
	}

	for _, nameFile := range names {
		data, err := os.ReadFile(nameFile)
		if err != nil || strings.TrimSpace(string(data)) != want {
			continue
		}

		dev, err := os.ReadFile(filepath.Join(filepath.Dir(filepath.Dir(nameFile)), "dev"))
		if err != nil {
			return 0, 0, err
		}

		var major, minor uint32
		if _, err := fmt.Sscanf(strings.TrimSpace(string(dev)), "%d:%d", &major, &minor); err != nil {
			return 0, 0, fmt.Errorf("parse device number of %s: %w", want, err)
		}
		return major, minor, nil
	}

	return 0, 0, fmt.Errorf("device-mapper device %s not found", want)
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
