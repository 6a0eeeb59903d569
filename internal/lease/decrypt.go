package lease

import (
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// MappingKind distinguishes the two kinds of device-mapper mappings a
// protected image can need.
type MappingKind string

const (
	MappingVerity MappingKind = "verity"
	MappingCrypt  MappingKind = "crypt"
)

// Mapping is one established device-mapper mapping.
type Mapping struct {
	Kind MappingKind
	Name string
}

// Node returns the clear-text block device for the mapping.
func (m Mapping) Node() string {
	return "/dev/mapper/" + m.Name
}

// DecryptionLease owns the device-mapper mappings opened for a
// dissected image. It is created only after the loop lease exists and
// must be torn down before the loop device is detached. Teardown
// removes the mappings in reverse creation order.
type DecryptionLease struct {
	lifecycle

	mappings []Mapping
	closer   func(Mapping) error
	log      *logrus.Entry
}

// NewDecryptionLease creates an empty lease; the credential handshake
// appends mappings to it as it opens them.
func NewDecryptionLease(log *logrus.Entry) *DecryptionLease {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DecryptionLease{closer: closeMapping, log: log}
}

// Track records an established mapping so teardown can remove it.
func (d *DecryptionLease) Track(m Mapping) {
	d.mappings = append(d.mappings, m)
}

// Mappings returns the mappings in creation order.
func (d *DecryptionLease) Mappings() []Mapping {
	return d.mappings
}

// Empty reports whether the lease tracks any mapping at all.
func (d *DecryptionLease) Empty() bool {
	return len(d.mappings) == 0
}

// Teardown removes the mappings, newest first. All are attempted even
// if one removal fails.
func (d *DecryptionLease) Teardown() error {
	if !d.beginTeardown() {
		return nil
	}
	var first error
	for i := len(d.mappings) - 1; i >= 0; i-- {
		m := d.mappings[i]
		if err := d.closer(m); err != nil {
			d.log.WithError(err).WithField("mapping", m.Name).Warn("failed to remove mapping")
			if first == nil {
				first = fmt.Errorf("removing %s mapping %s: %w", m.Kind, m.Name, err)
			}
		}
	}
	return first
}

// Relinquish leaves the mappings active for the consumer of the mount.
func (d *DecryptionLease) Relinquish() error {
	if err := d.beginRelinquish(); err != nil {
		return err
	}
	for _, m := range d.mappings {
		d.log.WithField("mapping", m.Name).Debug("mapping relinquished")
	}
	return nil
}

// closeMapping removes one mapping with the matching tool. Both
// veritysetup and cryptsetup accept "close" for this.
func closeMapping(m Mapping) error {
	tool := "cryptsetup"
	if m.Kind == MappingVerity {
		tool = "veritysetup"
	}
	out, err := exec.Command(tool, "close", m.Name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s close: %w (output: %s)", tool, err, out)
	}
	return nil
}
