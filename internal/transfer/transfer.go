// Package transfer moves files and trees between the host and a
// mounted image root. Every path on the image side goes through
// confined resolution, so an adversarial image cannot redirect a copy
// onto the host filesystem. Attribute propagation covers extended
// attributes, access mode and timestamps; ownership is never copied.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/pathsafe"
)

// StreamSentinel is the CLI marker for "use stdout" (extract) or "use
// stdin" (inject) instead of a filesystem path.
const StreamSentinel = "-"

// Engine performs the two transfer directions. Stdin and Stdout are
// swappable for tests.
type Engine struct {
	Log    *logrus.Entry
	Stdin  io.Reader
	Stdout io.Writer
}

// New creates an engine wired to the process's standard streams.
func New(log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		Log:    log,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}
}

// CopyFromImage copies source (a path inside the mounted image at
// root) to target on the host. A target of "-" streams raw bytes to
// stdout with no attribute propagation. Directories are copied as
// trees; regular files are created exclusively on the host.
//
// Destination probing is directory-open first in both directions: an
// existing destination directory is detected before the exclusive
// create is attempted, so "destination is a directory" and
// "destination exists" stay distinct errors.
func (e *Engine) CopyFromImage(ctx context.Context, root, source, target string) error {
	srcPath, err := pathsafe.Resolve(root, source)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(srcPath)
	if err != nil {
		return fmt.Errorf("opening %q in image: %w: %w", source, imagerr.ErrTransfer, err)
	}

	if target == StreamSentinel {
		if !fi.Mode().IsRegular() {
			return fmt.Errorf("streaming %q to stdout: %w", source, imagerr.ErrUnsupportedSourceType)
		}
		f, err := pathsafe.Open(root, source, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := CopyBytes(ctx, e.Stdout, f); err != nil {
			return fmt.Errorf("copying %q to stdout: %w", source, err)
		}
		// Stdout gets the bytes and nothing else: no mode, no xattrs,
		// no times.
		return nil
	}

	switch {
	case fi.IsDir():
		return e.copyTreeFromImage(ctx, srcPath, target)
	case fi.Mode().IsRegular():
		if dfi, err := os.Lstat(target); err == nil {
			if dfi.IsDir() {
				return fmt.Errorf("copying %q to %q: %w", source, target, imagerr.ErrDestinationIsDir)
			}
			return fmt.Errorf("copying %q to %q: %w", source, target, imagerr.ErrDestinationExists)
		}
		return e.copyRegular(ctx, srcPath, target)
	default:
		return fmt.Errorf("copying %q: %w", source, imagerr.ErrUnsupportedSourceType)
	}
}

// CopyToImage copies source on the host to target inside the mounted
// image at root. A source of "-" streams stdin into a fresh file with
// no attribute propagation. Directories merge into an existing
// destination directory of the same name; regular files are created
// exclusively.
func (e *Engine) CopyToImage(ctx context.Context, root, source, target string) error {
	dstDir, base, err := pathsafe.ResolveParent(root, target)
	if err != nil {
		return err
	}
	dstPath := filepath.Join(dstDir, base)

	if source == StreamSentinel {
		if err := probeDestination(dstPath, source, target); err != nil {
			return err
		}
		f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("creating %q in image: %w: %w", target, imagerr.ErrTransfer, err)
		}
		defer f.Close()
		if _, err := CopyBytes(ctx, f, e.Stdin); err != nil {
			return fmt.Errorf("copying stdin to %q: %w", target, err)
		}
		return nil
	}

	fi, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("opening %q: %w: %w", source, imagerr.ErrTransfer, err)
	}

	switch {
	case fi.IsDir():
		return e.copyTreeToImage(ctx, root, source, target)
	case fi.Mode().IsRegular():
		if err := probeDestination(dstPath, source, target); err != nil {
			return err
		}
		return e.copyRegular(ctx, source, dstPath)
	default:
		return fmt.Errorf("copying %q: %w", source, imagerr.ErrUnsupportedSourceType)
	}
}

// probeDestination rejects an occupied destination, distinguishing a
// directory in the way from a plain existing file.
func probeDestination(dstPath, source, target string) error {
	fi, err := os.Lstat(dstPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking %q: %w: %w", target, imagerr.ErrTransfer, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("copying %q to %q: %w", source, target, imagerr.ErrDestinationIsDir)
	}
	return fmt.Errorf("copying %q to %q: %w", source, target, imagerr.ErrDestinationExists)
}

// copyRegular streams one regular file to a freshly created
// destination, then propagates attributes.
func (e *Engine) copyRegular(ctx context.Context, srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %q: %w: %w", srcPath, imagerr.ErrTransfer, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("creating %q: %w", dstPath, imagerr.ErrDestinationExists)
		}
		return fmt.Errorf("creating %q: %w: %w", dstPath, imagerr.ErrTransfer, err)
	}

	_, cerr := CopyBytes(ctx, dst, src)
	if err := dst.Close(); err != nil && cerr == nil {
		cerr = fmt.Errorf("closing %q: %w: %w", dstPath, imagerr.ErrTransfer, err)
	}
	if cerr != nil {
		return fmt.Errorf("copying %q to %q: %w", srcPath, dstPath, cerr)
	}

	propagateAttributes(srcPath, dstPath, e.Log)
	return nil
}

// copyTreeFromImage copies the directory at srcPath (already confined)
// out to target on the host, merging into an existing target
// directory. Symlinks are recreated verbatim; special files are
// skipped with a warning.
func (e *Engine) copyTreeFromImage(ctx context.Context, srcPath, target string) error {
	if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
		return fmt.Errorf("copying tree to %q: %w", target, imagerr.ErrDestinationExists)
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("creating %q: %w: %w", target, imagerr.ErrTransfer, err)
	}

	err := filepath.WalkDir(srcPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %q: %w: %w", p, imagerr.ErrTransfer, err)
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(target, rel)

		switch {
		case d.IsDir():
			if err := os.Mkdir(dst, 0755); err != nil && !os.IsExist(err) {
				return fmt.Errorf("creating %q: %w: %w", dst, imagerr.ErrTransfer, err)
			}
			propagateAttributes(p, dst, e.Log)
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("reading link %q: %w: %w", p, imagerr.ErrTransfer, err)
			}
			if err := os.Symlink(linkTarget, dst); err != nil && !os.IsExist(err) {
				return fmt.Errorf("creating link %q: %w: %w", dst, imagerr.ErrTransfer, err)
			}
			return nil
		case d.Type().IsRegular():
			return e.copyRegular(ctx, p, dst)
		default:
			e.Log.WithField("path", p).Warn("skipping special file in tree copy")
			return nil
		}
	})
	return err
}

// copyTreeToImage copies the host directory at source into targetRel
// inside the image, creating the destination directory or merging into
// an existing one. Every created path is resolved confined against the
// image root, so symlinks planted inside the image cannot divert the
// writes. Existing regular files inside a merged tree are replaced.
func (e *Engine) copyTreeToImage(ctx context.Context, root, source, targetRel string) error {
	dstRoot, err := pathsafe.Resolve(root, targetRel)
	if err != nil {
		return err
	}
	if fi, err := os.Lstat(dstRoot); err == nil && !fi.IsDir() {
		return fmt.Errorf("copying tree to %q: %w", targetRel, imagerr.ErrDestinationExists)
	}
	if err := os.MkdirAll(dstRoot, 0755); err != nil {
		return fmt.Errorf("creating %q: %w: %w", targetRel, imagerr.ErrTransfer, err)
	}

	return filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %q: %w: %w", p, imagerr.ErrTransfer, err)
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// Re-resolve each entry confined so intermediate symlinks
		// inside the image are caught, not followed onto the host.
		entryRel := path.Join(targetRel, filepath.ToSlash(rel))
		dst, err := pathsafe.Resolve(root, entryRel)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(dst, filepath.Clean(root)+string(os.PathSeparator)) {
			return fmt.Errorf("cannot use path %q: %w", entryRel, imagerr.ErrConfinement)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dst, 0755); err != nil && !os.IsExist(err) {
				return fmt.Errorf("creating %q: %w: %w", entryRel, imagerr.ErrTransfer, err)
			}
			propagateAttributes(p, dst, e.Log)
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("reading link %q: %w: %w", p, imagerr.ErrTransfer, err)
			}
			_ = os.Remove(dst)
			if err := os.Symlink(linkTarget, dst); err != nil {
				return fmt.Errorf("creating link %q: %w: %w", entryRel, imagerr.ErrTransfer, err)
			}
			return nil
		case d.Type().IsRegular():
			// Merge semantics on injection: an existing file in the
			// destination tree is replaced.
			_ = os.Remove(dst)
			return e.copyRegular(ctx, p, dst)
		default:
			e.Log.WithField("path", p).Warn("skipping special file in tree copy")
			return nil
		}
	})
}
