// Package imagerr defines the error taxonomy shared by all imgsurgeon
// components, plus the mapping from errors to process exit codes.
package imagerr

import "errors"

var (
	// ErrArgument indicates bad or missing CLI input. It is always raised
	// before any resource is acquired.
	ErrArgument = errors.New("invalid argument")

	// ErrResourceAcquisition indicates that setting up the loop device,
	// a device-mapper mapping, or the mount itself failed.
	ErrResourceAcquisition = errors.New("resource acquisition failed")

	// ErrFilesystemConsistency indicates a mount-time filesystem check
	// failure. Kept distinct from a generic mount failure because a
	// re-run with a forced fsck may recover it.
	ErrFilesystemConsistency = errors.New("file system check failed")

	// ErrConfinement indicates a path resolution that would escape the
	// mounted image root. Messages carrying this error must not reveal
	// whether the offending path exists inside the image.
	ErrConfinement = errors.New("path escapes image root")

	// ErrAuthExhausted indicates the passphrase retry budget was used up.
	ErrAuthExhausted = errors.New("authentication attempts exhausted")

	// ErrUserCancelled indicates the user aborted the credential prompt.
	ErrUserCancelled = errors.New("cancelled by user")

	// ErrTransfer is the generic transfer failure. The more specific
	// transfer conditions below wrap it, so errors.Is(err, ErrTransfer)
	// matches all of them.
	ErrTransfer = errors.New("transfer failed")

	// ErrMetadata indicates a best-effort metadata extraction failure.
	// It is logged, never fatal to the primary action.
	ErrMetadata = errors.New("image metadata unavailable")
)

// Specific transfer conditions. Each wraps ErrTransfer.
var (
	ErrDestinationExists     = &transferError{"destination already exists"}
	ErrDestinationIsDir      = &transferError{"destination is a directory"}
	ErrUnsupportedSourceType = &transferError{"source is neither regular file nor directory"}
	ErrCopyAborted           = &transferError{"copy interrupted"}
)

type transferError struct {
	msg string
}

func (e *transferError) Error() string { return e.msg }

func (e *transferError) Unwrap() error { return ErrTransfer }

// Exit codes, kept stable for scripting.
const (
	ExitOK                    = 0
	ExitFailure               = 1
	ExitArgument              = 2
	ExitResourceAcquisition   = 3
	ExitFilesystemConsistency = 4
	ExitConfinement           = 5
	ExitAuthExhausted         = 6
	ExitUserCancelled         = 7
	ExitTransfer              = 8
)

// ExitCode maps an error to the process exit code for that failure
// class. A nil error maps to ExitOK.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrArgument):
		return ExitArgument
	case errors.Is(err, ErrFilesystemConsistency):
		return ExitFilesystemConsistency
	case errors.Is(err, ErrResourceAcquisition):
		return ExitResourceAcquisition
	case errors.Is(err, ErrConfinement):
		return ExitConfinement
	case errors.Is(err, ErrAuthExhausted):
		return ExitAuthExhausted
	case errors.Is(err, ErrUserCancelled):
		return ExitUserCancelled
	case errors.Is(err, ErrTransfer):
		return ExitTransfer
	default:
		return ExitFailure
	}
}
