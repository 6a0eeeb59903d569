package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/djherbis/times"
	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// copyBufferSize is the chunk size for byte streaming. Large enough to
// keep loop-device copies fast, small enough to notice cancellation
// promptly.
const copyBufferSize = 1024 * 1024

// CopyBytes streams src into dst until EOF, honoring ctx cancellation.
// On interruption the destination is left as written so far: partially
// copied files are closed, not unlinked, so a later attempt can deal
// with them as it sees fit.
func CopyBytes(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w after %d bytes", imagerr.ErrCopyAborted, written)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("writing: %w: %w", imagerr.ErrTransfer, werr)
			}
			if wn < n {
				return written, fmt.Errorf("writing: %w: %w", imagerr.ErrTransfer, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("reading: %w: %w", imagerr.ErrTransfer, rerr)
		}
	}
}

// propagateAttributes copies extended attributes, the access mode and
// the file times from src to dst. Everything is best-effort: a
// filesystem without xattr support must not fail the transfer that
// already succeeded. Ownership is never propagated.
func propagateAttributes(src, dst string, log *logrus.Entry) {
	if names, err := xattr.LList(src); err == nil {
		for _, name := range names {
			value, err := xattr.LGet(src, name)
			if err != nil {
				log.WithError(err).WithField("xattr", name).Debug("failed to read extended attribute")
				continue
			}
			if err := xattr.LSet(dst, name, value); err != nil {
				log.WithError(err).WithField("xattr", name).Debug("failed to apply extended attribute")
			}
		}
	} else {
		log.WithError(err).Debug("failed to list extended attributes")
	}

	fi, err := os.Lstat(src)
	if err != nil {
		log.WithError(err).Debug("failed to stat source for mode propagation")
		return
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		if err := os.Chmod(dst, fi.Mode().Perm()); err != nil {
			log.WithError(err).Debug("failed to apply access mode")
		}
	}

	if ts, err := times.Lstat(src); err == nil {
		if err := os.Chtimes(dst, ts.AccessTime(), ts.ModTime()); err != nil {
			log.WithError(err).Debug("failed to apply file times")
		}
	} else {
		log.WithError(err).Debug("failed to read source times")
	}
}
