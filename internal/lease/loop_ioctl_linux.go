//go:build linux

package lease

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// attachIoctl binds the image to a free loop device by driving
// /dev/loop-control directly. Partition scanning is always requested so
// the per-partition nodes (loopNpM) appear for dissection.
func attachIoctl(imagePath string, writable bool, log *logrus.Entry) (*LoopLease, error) {
	openFlags := os.O_RDONLY
	if writable {
		openFlags = os.O_RDWR
	}

	img, err := os.OpenFile(imagePath, openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("opening /dev/loop-control: %w", err)
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("requesting free loop device: %w", err)
	}

	device := fmt.Sprintf("/dev/loop%d", num)
	dev, err := os.OpenFile(device, openFlags, 0)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		dev.Close()
		img.Close()
		return nil, fmt.Errorf("binding image to %s: %w", device, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], imagePath)
	info.Flags = unix.LO_FLAGS_PARTSCAN
	if !writable {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	// No LO_FLAGS_AUTOCLEAR: the lease decides explicitly whether the
	// device is detached or survives a relinquish.
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		dev.Close()
		img.Close()
		return nil, fmt.Errorf("configuring %s: %w", device, err)
	}

	devFd := int(dev.Fd())
	return &LoopLease{
		device:  device,
		handles: []*os.File{dev, img},
		detach: func() error {
			return unix.IoctlSetInt(devFd, unix.LOOP_CLR_FD, 0)
		},
		log: log,
	}, nil
}
