package capture

import (
	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
)

// Bridge is the subset of the adb server the Android source needs.
type Bridge interface {
	State(serial string) (adb.DeviceState, error)
	Shell(serial, cmd string, args ...string) (string, error)
	// Watch streams device state changes until stop is called.
	Watch() (events <-chan adb.DeviceStateChangedEvent, stop func())
	Devices() ([]*adb.DeviceInfo, error)
}

type adbBridge struct {
	client *adb.Adb
}

// NewADBBridge connects to the local adb server, starting it when needed.
func NewADBBridge() (Bridge, error) {
	client, err := adb.NewWithConfig(adb.ServerConfig{
		PathToAdb: config.ADBPath(),
		Port:      config.ADBPort(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create adb client on port %d", config.ADBPort())
	}
	if err := client.StartServer(); err != nil {
		return nil, errors.Wrap(err, "failed to start adb server")
	}
	return &adbBridge{client: client}, nil
}

func (b *adbBridge) State(serial string) (adb.DeviceState, error) {
	return b.client.Device(adb.DeviceWithSerial(serial)).State()
}

func (b *adbBridge) Shell(serial, cmd string, args ...string) (string, error) {
	return b.client.Device(adb.DeviceWithSerial(serial)).RunCommand(cmd, args...)
}

func (b *adbBridge) Watch() (<-chan adb.DeviceStateChangedEvent, func()) {
	w := b.client.NewDeviceWatcher()
	return w.C(), w.Shutdown
}

func (b *adbBridge) Devices() ([]*adb.DeviceInfo, error) {
	return b.client.ListDevices()
}

// StateName is the adb command line spelling of s.
func StateName(s adb.DeviceState) string {
	switch s {
	case adb.StateOnline:
		return "online"
	case adb.StateOffline:
		return "offline"
	case adb.StateUnauthorized:
		return "unauthorized"
	case adb.StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
