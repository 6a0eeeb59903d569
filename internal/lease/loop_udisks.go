package lease

import (
	"bytes"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	udisksService     = "org.freedesktop.UDisks2"
	udisksManagerPath = "/org/freedesktop/UDisks2/Manager"
)

// attachUDisks asks the UDisks2 daemon to set up the loop device on our
// behalf. The daemon performs the privileged work, so this backend is
// usable from an unprivileged desktop session.
func attachUDisks(imagePath string, writable bool, log *logrus.Entry) (*LoopLease, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	openFlags := os.O_RDONLY
	if writable {
		openFlags = os.O_RDWR
	}
	img, err := os.OpenFile(imagePath, openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	manager := conn.Object(udisksService, udisksManagerPath)
	options := map[string]dbus.Variant{
		"read-only":    dbus.MakeVariant(!writable),
		"no-part-scan": dbus.MakeVariant(false),
	}

	var objPath dbus.ObjectPath
	err = manager.Call("org.freedesktop.UDisks2.Manager.LoopSetup", 0,
		dbus.UnixFD(img.Fd()), options).Store(&objPath)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("UDisks LoopSetup: %w", err)
	}

	block := conn.Object(udisksService, objPath)
	prop, err := block.GetProperty("org.freedesktop.UDisks2.Block.Device")
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("reading loop device node: %w", err)
	}
	raw, ok := prop.Value().([]byte)
	if !ok {
		img.Close()
		return nil, fmt.Errorf("unexpected Block.Device property type %T", prop.Value())
	}
	device := string(bytes.TrimRight(raw, "\x00"))

	return &LoopLease{
		device:  device,
		handles: []*os.File{img},
		detach: func() error {
			return block.Call("org.freedesktop.UDisks2.Loop.Delete", 0,
				map[string]dbus.Variant{}).Store()
		},
		log: log,
	}, nil
}
