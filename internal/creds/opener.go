package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jgarman/imgsurgeon/internal/verity"
)

// Opener establishes device-mapper mappings. The production
// implementation shells out to veritysetup and cryptsetup; tests
// substitute a scripted one.
type Opener interface {
	OpenVerity(ctx context.Context, name, dataNode, hashNode string, desc *verity.Descriptor) error
	OpenCrypt(ctx context.Context, name, node, passphrase string) error
}

// cryptsetup exits with 2 when the supplied key did not unlock any
// keyslot. Anything else is an operational failure, not a wrong
// passphrase.
const cryptBadPassphraseExit = 2

type badPassphraseError struct {
	err error
}

func (e *badPassphraseError) Error() string { return e.err.Error() }
func (e *badPassphraseError) Unwrap() error { return e.err }

// IsBadPassphrase reports whether the error means the passphrase was
// rejected, as opposed to the mapping failing for some other reason.
func IsBadPassphrase(err error) bool {
	var bad *badPassphraseError
	return errors.As(err, &bad)
}

// BadPassphrase wraps an error so the handshake retries it. Exposed
// for Opener implementations outside this package.
func BadPassphrase(err error) error {
	return &badPassphraseError{err}
}

// toolOpener drives the external decryption primitives. Tool paths are
// overridable for configuration.
type toolOpener struct {
	VeritysetupPath string
	CryptsetupPath  string
}

// NewToolOpener returns an Opener backed by the external tools. Empty
// paths fall back to $PATH lookup.
func NewToolOpener(veritysetupPath, cryptsetupPath string) Opener {
	return &toolOpener{VeritysetupPath: veritysetupPath, CryptsetupPath: cryptsetupPath}
}

func (o *toolOpener) veritysetup() string {
	if o.VeritysetupPath != "" {
		return o.VeritysetupPath
	}
	return "veritysetup"
}

func (o *toolOpener) cryptsetup() string {
	if o.CryptsetupPath != "" {
		return o.CryptsetupPath
	}
	return "cryptsetup"
}

func (o *toolOpener) OpenVerity(ctx context.Context, name, dataNode, hashNode string, desc *verity.Descriptor) error {
	args := []string{"open", dataNode, name, hashNode, desc.RootHashString()}
	sigPath := desc.SignaturePath
	if sigPath == "" && len(desc.Signature) > 0 {
		// veritysetup only takes the signature as a file.
		f, err := os.CreateTemp("", "roothash-sig-*.p7s")
		if err != nil {
			return fmt.Errorf("staging root hash signature: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(desc.Signature); err != nil {
			f.Close()
			return fmt.Errorf("staging root hash signature: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("staging root hash signature: %w", err)
		}
		sigPath = f.Name()
	}
	if sigPath != "" {
		args = append(args, "--root-hash-signature="+sigPath)
	}
	out, err := exec.CommandContext(ctx, o.veritysetup(), args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("veritysetup open: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (o *toolOpener) OpenCrypt(ctx context.Context, name, node, passphrase string) error {
	cmd := exec.CommandContext(ctx, o.cryptsetup(), "open", "--type=luks", "--key-file=-", node, name)
	cmd.Stdin = strings.NewReader(passphrase)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == cryptBadPassphraseExit {
			return BadPassphrase(fmt.Errorf("cryptsetup open: %w", err))
		}
		return fmt.Errorf("cryptsetup open: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
