//go:build !linux

package lease

import "errors"

func mountVolume(node, target, fstype string, readOnly, discard bool) error {
	return errors.New("mounting images is only supported on Linux")
}

func unmountVolume(target string) error {
	return errors.New("mounting images is only supported on Linux")
}
