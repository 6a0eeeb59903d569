package imagerr

import (
	"errors"
	"fmt"
	"testing"
)

// TestExitCodeMapping tests that each failure class maps to its own code
func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{errors.New("anything else"), ExitFailure},
		{ErrArgument, ExitArgument},
		{ErrResourceAcquisition, ExitResourceAcquisition},
		{ErrFilesystemConsistency, ExitFilesystemConsistency},
		{ErrConfinement, ExitConfinement},
		{ErrAuthExhausted, ExitAuthExhausted},
		{ErrUserCancelled, ExitUserCancelled},
		{ErrTransfer, ExitTransfer},
		{ErrDestinationExists, ExitTransfer},
		{ErrDestinationIsDir, ExitTransfer},
		{ErrUnsupportedSourceType, ExitTransfer},
		{ErrCopyAborted, ExitTransfer},
	}

	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.code {
			t.Errorf("ExitCode(%v) = %d, expected %d", tt.err, got, tt.code)
		}
	}
}

// TestExitCodeWrapped tests that wrapping preserves the classification
func TestExitCodeWrapped(t *testing.T) {
	err := fmt.Errorf("mounting /dev/loop3p1: %w", ErrFilesystemConsistency)
	if got := ExitCode(err); got != ExitFilesystemConsistency {
		t.Errorf("ExitCode(wrapped) = %d, expected %d", got, ExitFilesystemConsistency)
	}

	err = fmt.Errorf("copying to /etc/local.txt: %w", ErrDestinationExists)
	if !errors.Is(err, ErrTransfer) {
		t.Error("Expected destination-exists error to match ErrTransfer")
	}
	if got := ExitCode(err); got != ExitTransfer {
		t.Errorf("ExitCode(wrapped transfer) = %d, expected %d", got, ExitTransfer)
	}
}

// TestTransferSpecificsAreDistinct tests that the specific transfer
// conditions don't match each other
func TestTransferSpecificsAreDistinct(t *testing.T) {
	if errors.Is(ErrDestinationExists, ErrDestinationIsDir) {
		t.Error("destination-exists should not match destination-is-dir")
	}
	if errors.Is(ErrCopyAborted, ErrUnsupportedSourceType) {
		t.Error("copy-aborted should not match unsupported-source-type")
	}
}
