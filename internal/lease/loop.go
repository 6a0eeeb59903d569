package lease

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// LoopBackend selects how loop devices are attached.
type LoopBackend string

const (
	// LoopBackendIoctl drives /dev/loop-control directly. Requires
	// privileges, Linux only.
	LoopBackendIoctl LoopBackend = "ioctl"

	// LoopBackendUDisks asks the UDisks2 daemon over D-Bus to set the
	// loop device up, which works for unprivileged callers on desktop
	// systems.
	LoopBackendUDisks LoopBackend = "udisks"
)

// LoopLease owns a loop device bound to the image file. Teardown
// detaches the device; Relinquish leaves it bound for whoever consumes
// the mount afterwards.
type LoopLease struct {
	lifecycle

	device  string
	handles []*os.File
	detach  func() error
	log     *logrus.Entry
}

// Device returns the host-visible device node, e.g. /dev/loop3.
func (l *LoopLease) Device() string { return l.device }

// Teardown detaches the loop device and closes the backing handles.
func (l *LoopLease) Teardown() error {
	if !l.beginTeardown() {
		return nil
	}
	err := l.detach()
	l.closeHandles()
	if err != nil {
		return fmt.Errorf("detaching %s: %w", l.device, err)
	}
	l.log.WithField("device", l.device).Debug("loop device detached")
	return nil
}

// Relinquish closes the host-side handles without detaching. The loop
// device stays bound because it was attached without auto-clear.
func (l *LoopLease) Relinquish() error {
	if err := l.beginRelinquish(); err != nil {
		return err
	}
	l.closeHandles()
	l.log.WithField("device", l.device).Debug("loop device relinquished")
	return nil
}

func (l *LoopLease) closeHandles() {
	for _, f := range l.handles {
		_ = f.Close()
	}
	l.handles = nil
}

// AttachLoop binds imagePath to a free loop device using the requested
// backend and returns the lease for it.
func AttachLoop(imagePath string, writable bool, backend LoopBackend, log *logrus.Entry) (*LoopLease, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var (
		l   *LoopLease
		err error
	)
	switch backend {
	case LoopBackendUDisks:
		l, err = attachUDisks(imagePath, writable, log)
	case LoopBackendIoctl, "":
		l, err = attachIoctl(imagePath, writable, log)
	default:
		return nil, fmt.Errorf("%w: unknown loop backend %q", imagerr.ErrArgument, backend)
	}
	if err != nil {
		return nil, fmt.Errorf("setting up loop device for %s: %w: %w", imagePath, imagerr.ErrResourceAcquisition, err)
	}

	log.WithFields(logrus.Fields{
		"image":  imagePath,
		"device": l.device,
	}).Debug("loop device attached")
	return l, nil
}
