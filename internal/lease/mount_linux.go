//go:build linux

package lease

import (
	"errors"

	"golang.org/x/sys/unix"
)

func mountVolume(node, target, fstype string, readOnly, discard bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	data := ""
	if discard {
		data = "discard"
	}
	err := unix.Mount(node, target, fstype, flags, data)
	if errors.Is(err, unix.EUCLEAN) {
		return errConsistency
	}
	return err
}

func unmountVolume(target string) error {
	err := unix.Unmount(target, 0)
	if errors.Is(err, unix.EBUSY) {
		// Lazy detach as a fallback so teardown still completes when a
		// stray process keeps the tree busy.
		return unix.Unmount(target, unix.MNT_DETACH)
	}
	return err
}
