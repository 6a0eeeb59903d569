package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// fakeFsck writes a script that exits with the given code.
func fakeFsck(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsck")
	script := fmt.Sprintf("#!/bin/sh\nexit %d\n", exitCode)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestFsckExitCodes tests the bitmask interpretation: corrected errors
// and reboot requests pass, uncorrected damage is a consistency
// failure
func TestFsckExitCodes(t *testing.T) {
	cases := []struct {
		exitCode int
		wantErr  bool
	}{
		{0, false},
		{1, false}, // errors corrected
		{2, false}, // reboot requested
		{4, true},  // errors left uncorrected
		{8, true},  // operational error
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("exit %d", tc.exitCode), func(t *testing.T) {
			err := runFsck(context.Background(), "/dev/null", fakeFsck(t, tc.exitCode))
			if !tc.wantErr {
				if err != nil {
					t.Errorf("fsck exit %d failed the check: %v", tc.exitCode, err)
				}
				return
			}
			if !errors.Is(err, imagerr.ErrFilesystemConsistency) {
				t.Errorf("fsck exit %d: got %v, expected consistency failure", tc.exitCode, err)
			}
		})
	}
}

// TestFsckFailureBlocksMount tests that a failed check stops the mount
// before the mount call and removes the directory it created
func TestFsckFailureBlocksMount(t *testing.T) {
	mounted := false
	mountVolumeFn = func(node, target, fstype string, readOnly, discard bool) error {
		mounted = true
		return nil
	}
	defer func() { mountVolumeFn = mountVolume }()

	target := filepath.Join(t.TempDir(), "mnt")
	_, err := MountPartition(context.Background(), "/dev/null", "ext4", target, MountOptions{
		Fsck:     true,
		Mkdir:    true,
		FsckPath: fakeFsck(t, 4),
	}, testLogger())
	if !errors.Is(err, imagerr.ErrFilesystemConsistency) {
		t.Fatalf("Dirty filesystem: got %v, expected consistency failure", err)
	}
	if mounted {
		t.Error("Mount attempted after a failed filesystem check")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("Created mount point left behind after failed check")
	}
}

// TestDirtyFilesystemRefusal tests the kernel-side consistency marker:
// EUCLEAN from mount maps to the consistency error, anything else to
// resource acquisition
func TestDirtyFilesystemRefusal(t *testing.T) {
	defer func() { mountVolumeFn = mountVolume }()

	mountVolumeFn = func(node, target, fstype string, readOnly, discard bool) error {
		return errConsistency
	}
	_, err := MountPartition(context.Background(), "/dev/null", "ext4", t.TempDir(), MountOptions{}, testLogger())
	if !errors.Is(err, imagerr.ErrFilesystemConsistency) {
		t.Errorf("Dirty-filesystem refusal: got %v, expected consistency failure", err)
	}

	mountVolumeFn = func(node, target, fstype string, readOnly, discard bool) error {
		return errors.New("no such device")
	}
	_, err = MountPartition(context.Background(), "/dev/null", "ext4", t.TempDir(), MountOptions{}, testLogger())
	if !errors.Is(err, imagerr.ErrResourceAcquisition) {
		t.Errorf("Generic mount failure: got %v, expected resource acquisition", err)
	}
	if errors.Is(err, imagerr.ErrFilesystemConsistency) {
		t.Error("Generic mount failure misclassified as consistency failure")
	}
}

// TestMountSucceedsAfterCleanFsck tests the fsck-then-mount happy path
func TestMountSucceedsAfterCleanFsck(t *testing.T) {
	mountVolumeFn = func(node, target, fstype string, readOnly, discard bool) error {
		return nil
	}
	defer func() { mountVolumeFn = mountVolume }()

	target := filepath.Join(t.TempDir(), "mnt")
	ml, err := MountPartition(context.Background(), "/dev/null", "ext4", target, MountOptions{
		Fsck:     true,
		Mkdir:    true,
		FsckPath: fakeFsck(t, 1),
	}, testLogger())
	if err != nil {
		t.Fatalf("Mount after clean check failed: %v", err)
	}
	if ml.Root() != target {
		t.Errorf("Mount root %q, expected %q", ml.Root(), target)
	}
	if ml.State() != StateLive {
		t.Errorf("Fresh mount lease state %v, expected live", ml.State())
	}
}
