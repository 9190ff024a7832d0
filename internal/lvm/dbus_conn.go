package lvm

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ErrServiceUnavailable is returned when lvmdbusd is neither running nor
// activatable on the system bus
var ErrServiceUnavailable = errors.New("lvmdbusd is not available on the system bus")

const (
	dbusStartReplySuccess        = uint32(1)
	dbusStartReplyAlreadyRunning = uint32(2)
)

// Bus exposes the objects lvmdbusd exports
type Bus interface {
	Object(path dbus.ObjectPath) dbus.BusObject
	Close() error
}

type lvmBus struct {
	conn *dbus.Conn
}

func (b *lvmBus) Object(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(dbusService, path)
}

func (b *lvmBus) Close() error {
	return b.conn.Close()
}

// DialSystemBus connects to the system bus and makes sure lvmdbusd is up,
// starting it through bus activation if needed
func DialSystemBus() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	if err := startService(conn.BusObject()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &lvmBus{conn: conn}, nil
}

// startService asks the bus daemon to activate lvmdbusd
func startService(daemon dbus.BusObject) error {
	var owned bool
	if err := daemon.Call("org.freedesktop.DBus.NameHasOwner", 0, dbusService).Store(&owned); err != nil {
		return fmt.Errorf("look up %s: %w", dbusService, err)
	}
	if owned {
		return nil
	}

	var reply uint32
	if err := daemon.Call("org.freedesktop.DBus.StartServiceByName", 0, dbusService, uint32(0)).Store(&reply); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if reply != dbusStartReplySuccess && reply != dbusStartReplyAlreadyRunning {
		return fmt.Errorf("%w: start reply %d", ErrServiceUnavailable, reply)
	}
	return nil
}
