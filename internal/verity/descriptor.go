// Package verity carries the dm-verity material for an image: the root
// hash, an optional external hash-tree data file, and an optional PKCS7
// signature over the root hash. Fields the caller does not supply are
// resolved from companion files next to the image; a field is never
// overwritten once set.
package verity

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// MinRootHashBytes is the smallest acceptable root hash (128 bits).
const MinRootHashBytes = 16

// Base64Prefix marks an inline base64 signature argument, as opposed to
// a signature file path.
const Base64Prefix = "base64:"

// Descriptor holds verity material for one image. The zero value means
// "nothing supplied"; Resolve fills in whatever companion files provide.
type Descriptor struct {
	// RootHash is the verity root hash. Once set it is never mutated.
	RootHash []byte

	// DataPath points at an external hash-tree data file, for images
	// that don't embed their hash tree in a partition.
	DataPath string

	// Signature is an inline DER-encoded PKCS7 signature of the root
	// hash. Mutually exclusive with SignaturePath.
	Signature []byte

	// SignaturePath points at a DER-encoded PKCS7 signature file.
	SignaturePath string

	resolved bool
}

// ParseRootHash decodes a hex root hash and validates its length.
func ParseRootHash(s string) ([]byte, error) {
	h, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: root hash %q is not valid hex", imagerr.ErrArgument, s)
	}
	if len(h) < MinRootHashBytes {
		return nil, fmt.Errorf("%w: root hash must be at least 128 bits long", imagerr.ErrArgument)
	}
	return h, nil
}

// SetRootHash parses and installs the root hash. Fails if one is
// already set, since the hash is immutable once supplied.
func (d *Descriptor) SetRootHash(s string) error {
	if len(d.RootHash) > 0 {
		return fmt.Errorf("%w: root hash specified twice", imagerr.ErrArgument)
	}
	h, err := ParseRootHash(s)
	if err != nil {
		return err
	}
	d.RootHash = h
	return nil
}

// SetSignature accepts either "base64:<data>" for inline signature
// bytes or a path to a DER/PKCS7 file. Setting one form clears the
// other, so the last flag on the command line wins.
func (d *Descriptor) SetSignature(arg string) error {
	if value, ok := strings.CutPrefix(arg, Base64Prefix); ok {
		sig, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("%w: root hash signature is not valid base64", imagerr.ErrArgument)
		}
		d.Signature = sig
		d.SignaturePath = ""
		return nil
	}

	if arg == "" {
		return fmt.Errorf("%w: empty root hash signature path", imagerr.ErrArgument)
	}
	d.SignaturePath = arg
	d.Signature = nil
	return nil
}

// HasRootHash reports whether a root hash is present.
func (d *Descriptor) HasRootHash() bool {
	return len(d.RootHash) > 0
}

// HasSignature reports whether signature material is present in either
// form.
func (d *Descriptor) HasSignature() bool {
	return len(d.Signature) > 0 || d.SignaturePath != ""
}

// UsesExternalData reports whether the hash tree lives outside the
// image. When true, the image itself is a bare filesystem and carries
// no partition table to scan.
func (d *Descriptor) UsesExternalData() bool {
	return d.DataPath != ""
}

// RootHashString returns the hex form of the root hash, or "" when
// unset.
func (d *Descriptor) RootHashString() string {
	if !d.HasRootHash() {
		return ""
	}
	return hex.EncodeToString(d.RootHash)
}

// Resolve fills in any unset fields from companion files next to the
// image: <image>.roothash (hex text), <image>.verity (hash-tree data)
// and <image>.roothash.p7s (PKCS7 signature). Absent companions are not
// an error. Resolution runs at most once per descriptor; fields already
// supplied are never overwritten.
func (d *Descriptor) Resolve(imagePath string) error {
	if d.resolved {
		return nil
	}

	if !d.HasRootHash() {
		text, err := readCompanion(imagePath + ".roothash")
		if err != nil {
			return err
		}
		if text != nil {
			h, err := ParseRootHash(strings.TrimSpace(string(text)))
			if err != nil {
				return fmt.Errorf("reading %s.roothash: %w", imagePath, err)
			}
			d.RootHash = h
		}
	}

	if d.DataPath == "" {
		path := imagePath + ".verity"
		if _, err := os.Stat(path); err == nil {
			d.DataPath = path
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking verity data for %s: %w", imagePath, err)
		}
	}

	if !d.HasSignature() {
		path := imagePath + ".roothash.p7s"
		if _, err := os.Stat(path); err == nil {
			d.SignaturePath = path
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking root hash signature for %s: %w", imagePath, err)
		}
	}

	d.resolved = true
	return nil
}

// readCompanion reads a small companion file, returning (nil, nil) when
// it does not exist.
func readCompanion(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading verity companion %s: %w", path, err)
	}
	return data, nil
}
