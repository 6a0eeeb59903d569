// Package pathsafe resolves paths inside a mounted image without ever
// escaping the image root. Symlinks found during resolution are
// interpreted relative to the image root, not the host root, so a link
// to /etc/passwd inside the image lands on <root>/etc/passwd. Climbing
// above the root, whether via ".." or an absolute link target that
// cannot be re-rooted, is a confinement violation.
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// maxSymlinkHops bounds the total number of symlinks followed during a
// single resolution, so crafted link loops inside an image cannot spin
// the walk forever.
const maxSymlinkHops = 32

// violation builds a confinement error for the original request. The
// message deliberately omits which component failed and whether it
// exists, so it leaks nothing about the image's contents.
func violation(rel string) error {
	return fmt.Errorf("cannot use path %q: %w", rel, imagerr.ErrConfinement)
}

// Resolve walks rel inside root and returns the confined host-side path
// it lands on. The final component does not need to exist; every
// intermediate component does. root must be an absolute, existing
// directory.
func Resolve(root, rel string) (string, error) {
	root = filepath.Clean(root)

	// Components still to be walked, front first. Symlink targets are
	// pushed back onto this queue.
	queue := splitComponents(rel)

	// Components of the confined position, relative to root.
	var resolved []string

	hops := 0
	for len(queue) > 0 {
		comp := queue[0]
		queue = queue[1:]

		switch comp {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return "", violation(rel)
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}

		candidate := filepath.Join(append([]string{root}, append(resolved, comp)...)...)
		fi, err := os.Lstat(candidate)
		if err != nil {
			if os.IsNotExist(err) && len(queue) == 0 {
				// Trailing component may be created by the caller.
				resolved = append(resolved, comp)
				continue
			}
			return "", fmt.Errorf("resolving %q: %w", rel, err)
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			hops++
			if hops > maxSymlinkHops {
				return "", violation(rel)
			}
			target, err := os.Readlink(candidate)
			if err != nil {
				return "", fmt.Errorf("resolving %q: %w", rel, err)
			}
			if filepath.IsAbs(target) {
				// Absolute targets restart at the image root.
				resolved = nil
			}
			queue = append(splitComponents(target), queue...)
			continue
		}

		resolved = append(resolved, comp)
	}

	return filepath.Join(append([]string{root}, resolved...)...), nil
}

// Open resolves rel inside root and opens it with the given flags. The
// final open uses O_NOFOLLOW so a link planted at the last component
// between resolution and open cannot redirect it.
func Open(root, rel string, flags int, perm os.FileMode) (*os.File, error) {
	p, err := Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flags|unix.O_NOFOLLOW, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ResolveParent resolves everything but the last component of rel and
// returns the confined parent directory plus the final component. Used
// by create flows that need the parent to exist but not the target.
func ResolveParent(root, rel string) (dir string, base string, err error) {
	cleaned := strings.TrimRight(rel, "/")
	base = filepath.Base(cleaned)
	if base == "/" || base == "." || base == ".." {
		return "", "", violation(rel)
	}

	parent := filepath.Dir(cleaned)
	dir, err = Resolve(root, parent)
	if err != nil {
		return "", "", err
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return "", "", fmt.Errorf("resolving parent of %q: %w", rel, err)
	}
	if !fi.IsDir() {
		return "", "", fmt.Errorf("parent of %q is not a directory", rel)
	}
	return dir, base, nil
}

// splitComponents breaks a slash-separated path into its components,
// with no special handling for leading slashes: a leading "/" simply
// yields an empty first component, which the walk skips, so absolute
// and relative requests both resolve from the root.
func splitComponents(p string) []string {
	return strings.Split(p, "/")
}
