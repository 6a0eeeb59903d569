package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// MountOptions controls how a partition is mounted.
type MountOptions struct {
	// ReadOnly mounts the filesystem read-only.
	ReadOnly bool

	// Fsck runs a filesystem check on the node before mounting.
	Fsck bool

	// Mkdir creates the mount point if it is missing. A directory
	// created this way is removed again on teardown.
	Mkdir bool

	// Discard enables discard/TRIM on the mounted filesystem.
	Discard bool

	// FsckPath overrides the fsck binary, mainly for tests.
	FsckPath string
}

// MountLease owns a mounted directory tree and, when it created the
// mount point, the mount point directory itself. It must be created
// after the decryption lease is settled and torn down before it.
type MountLease struct {
	lifecycle

	target     string
	createdDir bool
	log        *logrus.Entry
}

// Root returns the directory the image tree is mounted at.
func (m *MountLease) Root() string { return m.target }

// Teardown unmounts and removes the mount point directory if this
// lease created it.
func (m *MountLease) Teardown() error {
	if !m.beginTeardown() {
		return nil
	}
	if err := unmountVolume(m.target); err != nil {
		return fmt.Errorf("unmounting %s: %w", m.target, err)
	}
	if m.createdDir {
		if err := os.Remove(m.target); err != nil {
			m.log.WithError(err).WithField("dir", m.target).Warn("failed to remove mount point")
		}
	}
	m.log.WithField("target", m.target).Debug("image unmounted")
	return nil
}

// Relinquish leaves the mount in place for the caller; used by the
// mount action so the tree survives process exit.
func (m *MountLease) Relinquish() error {
	if err := m.beginRelinquish(); err != nil {
		return err
	}
	m.log.WithField("target", m.target).Debug("mount relinquished")
	return nil
}

// MountPartition mounts node (of filesystem type fstype) at target and
// returns the lease for the mount. A consistency failure, either from
// the pre-mount fsck or from the kernel refusing the dirty filesystem,
// is reported as imagerr.ErrFilesystemConsistency, distinct from other
// mount failures: the caller can suggest a re-run with a forced check.
func MountPartition(ctx context.Context, node, fstype, target string, opts MountOptions, log *logrus.Entry) (*MountLease, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	createdDir := false
	if _, err := os.Stat(target); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking mount point %s: %w: %w", target, imagerr.ErrResourceAcquisition, err)
		}
		if !opts.Mkdir {
			return nil, fmt.Errorf("mount point %s does not exist: %w", target, imagerr.ErrResourceAcquisition)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return nil, fmt.Errorf("creating mount point %s: %w: %w", target, imagerr.ErrResourceAcquisition, err)
		}
		createdDir = true
	}

	cleanupDir := func() {
		if createdDir {
			_ = os.Remove(target)
		}
	}

	if opts.Fsck {
		if err := runFsck(ctx, node, opts.FsckPath); err != nil {
			cleanupDir()
			return nil, err
		}
	}

	if err := mountVolumeFn(node, target, fstype, opts.ReadOnly, opts.Discard); err != nil {
		cleanupDir()
		if errors.Is(err, errConsistency) {
			return nil, fmt.Errorf("mounting %s: %w", node, imagerr.ErrFilesystemConsistency)
		}
		return nil, fmt.Errorf("mounting %s at %s: %w: %w", node, target, imagerr.ErrResourceAcquisition, err)
	}

	log.WithFields(logrus.Fields{
		"node":   node,
		"target": target,
		"fstype": fstype,
	}).Debug("image mounted")

	return &MountLease{
		target:     target,
		createdDir: createdDir,
		log:        log,
	}, nil
}

// errConsistency is the internal marker the platform mount code uses
// for a dirty-filesystem refusal (EUCLEAN on Linux).
var errConsistency = errors.New("filesystem marked dirty")

// mountVolumeFn indirects the platform mount call so tests can
// substitute it.
var mountVolumeFn = mountVolume

// runFsck checks the node before mounting. fsck exit codes are a
// bitmask; 1 (errors corrected) is still a success for our purposes,
// anything from 4 up means uncorrected damage.
func runFsck(ctx context.Context, node, fsckPath string) error {
	if fsckPath == "" {
		fsckPath = "fsck"
	}
	cmd := exec.CommandContext(ctx, fsckPath, "-aT", node)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 4 {
			return fmt.Errorf("fsck reported uncorrected errors on %s (status %d): %w (output: %s)", node, code, imagerr.ErrFilesystemConsistency, out)
		}
		// Status 1 means errors were corrected, status 2 requests a
		// reboot; neither blocks mounting an image file.
		return nil
	}
	return fmt.Errorf("running fsck on %s: %w: %w (output: %s)", node, imagerr.ErrResourceAcquisition, err, out)
}
