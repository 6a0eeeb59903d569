//go:build !linux

package lease

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// attachIoctl is Linux only; other platforms must use the UDisks
// backend (which will also fail without a UDisks daemon, but degrades
// with a clearer error).
func attachIoctl(imagePath string, writable bool, log *logrus.Entry) (*LoopLease, error) {
	return nil, errors.New("loop devices are only supported on Linux")
}
