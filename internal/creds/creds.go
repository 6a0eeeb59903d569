// Package creds establishes the device-mapper mappings a protected
// image needs before its partitions can be mounted: verity mappings
// opened from the root hash, and crypt mappings opened interactively
// with a passphrase read from the terminal.
package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/dissect"
	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/lease"
	"github.com/jgarman/imgsurgeon/internal/verity"
)

// DefaultAttempts is how many passphrases the user may try per
// encrypted partition before the handshake gives up.
const DefaultAttempts = 3

// Options tunes the handshake.
type Options struct {
	// Attempts is the passphrase budget per encrypted partition. Zero
	// means DefaultAttempts.
	Attempts int

	// Prompter reads passphrases. Nil means the controlling terminal.
	Prompter Prompter

	// Opener establishes mappings. Nil means the external veritysetup
	// and cryptsetup tools.
	Opener Opener
}

func (o Options) attempts() int {
	if o.Attempts > 0 {
		return o.Attempts
	}
	return DefaultAttempts
}

// ResolveVerity fills unset verity parameters from the image's
// companion files. It runs once per request, before dissection, so the
// presence of an external hash-tree file can steer how the image is
// scanned.
func ResolveVerity(imagePath string, desc *verity.Descriptor) error {
	if err := desc.Resolve(imagePath); err != nil {
		return fmt.Errorf("resolving verity companions for %s: %w", imagePath, err)
	}
	return nil
}

// handshake state for one encrypted partition
type authState int

const (
	statePrompting authState = iota
	stateValidating
	stateSucceeded
	stateRetrying
	stateExhausted
	stateCancelled
)

// DecryptInteractively opens every mapping the image needs. Verity
// partitions are opened from the resolved root hash; LUKS partitions
// get an interactive passphrase loop. Returns (nil, nil) when the
// image needs no mapping at all. On failure every mapping opened so
// far is removed before the error returns.
func DecryptInteractively(ctx context.Context, img *dissect.Image, desc *verity.Descriptor, opts Options, log *logrus.Entry) (*lease.DecryptionLease, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if desc == nil {
		desc = &verity.Descriptor{}
	}
	if img.Verity == nil {
		img.Verity = desc
	}
	if !img.NeedsDecryption() {
		return nil, nil
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = &TerminalPrompter{}
	}
	opener := opts.Opener
	if opener == nil {
		opener = &toolOpener{}
	}

	dl := lease.NewDecryptionLease(log)
	for i := range img.Partitions {
		p := &img.Partitions[i]
		if p.IsVerityHash() {
			continue
		}

		if img.HasVerity(p) {
			m, err := openVerity(ctx, img, p, desc, opener, log)
			if err != nil {
				dl.Teardown()
				return nil, err
			}
			dl.Track(m)
			p.Node = m.Node()
			continue
		}

		if p.FSType == dissect.FSTypeLUKS {
			m, err := openCryptInteractively(ctx, img, p, opts.attempts(), prompter, opener, log)
			if err != nil {
				dl.Teardown()
				return nil, err
			}
			dl.Track(m)
			p.Node = m.Node()
			// The partition was probed through its LUKS header; the
			// mapping exposes the actual filesystem.
			if fstype, err := dissect.ProbeNode(p.Node); err == nil {
				p.FSType = fstype
			} else {
				p.FSType = ""
				log.WithError(err).Debug("could not probe decrypted filesystem")
			}
		}
	}
	return dl, nil
}

func openVerity(ctx context.Context, img *dissect.Image, p *dissect.Partition, desc *verity.Descriptor, opener Opener, log *logrus.Entry) (lease.Mapping, error) {
	m := lease.Mapping{Kind: lease.MappingVerity, Name: mappingName(img.Name, p)}

	hashNode := desc.DataPath
	if partner := img.VerityHashPartner(p); partner != nil {
		hashNode = partner.Node
	}
	if hashNode == "" {
		return m, fmt.Errorf("%w: no hash tree for %s partition", imagerr.ErrResourceAcquisition, p.Designator)
	}

	log.WithFields(logrus.Fields{
		"mapping": m.Name,
		"data":    p.Node,
		"hash":    hashNode,
	}).Debug("opening verity mapping")

	if err := opener.OpenVerity(ctx, m.Name, p.Node, hashNode, desc); err != nil {
		return m, fmt.Errorf("%w: opening verity mapping for %s: %v", imagerr.ErrResourceAcquisition, p.Designator, err)
	}
	return m, nil
}

// openCryptInteractively runs the passphrase loop for one encrypted
// partition. Cancellation and terminal EOF are the user walking away
// and are never reported as an authentication failure.
func openCryptInteractively(ctx context.Context, img *dissect.Image, p *dissect.Partition, attempts int, prompter Prompter, opener Opener, log *logrus.Entry) (lease.Mapping, error) {
	m := lease.Mapping{Kind: lease.MappingCrypt, Name: mappingName(img.Name, p)}

	state := statePrompting
	attempt := 0
	var passphrase string

	for {
		switch state {
		case statePrompting:
			if err := ctx.Err(); err != nil {
				state = stateCancelled
				continue
			}
			attempt++
			pw, err := prompter.ReadPassphrase(fmt.Sprintf("Passphrase for %s partition of %s: ", p.Designator, img.Name))
			if errors.Is(err, io.EOF) {
				state = stateCancelled
				continue
			}
			if err != nil {
				return m, fmt.Errorf("%w: reading passphrase: %v", imagerr.ErrResourceAcquisition, err)
			}
			passphrase = pw
			state = stateValidating

		case stateValidating:
			err := opener.OpenCrypt(ctx, m.Name, p.Node, passphrase)
			passphrase = ""
			if err == nil {
				state = stateSucceeded
				continue
			}
			if !IsBadPassphrase(err) {
				return m, fmt.Errorf("%w: opening crypt mapping for %s: %v", imagerr.ErrResourceAcquisition, p.Designator, err)
			}
			log.WithField("attempt", attempt).Warn("passphrase rejected")
			if attempt >= attempts {
				state = stateExhausted
			} else {
				state = stateRetrying
			}

		case stateRetrying:
			state = statePrompting

		case stateSucceeded:
			return m, nil

		case stateExhausted:
			return m, fmt.Errorf("%w: %d passphrase attempts for %s partition", imagerr.ErrAuthExhausted, attempts, p.Designator)

		case stateCancelled:
			return m, fmt.Errorf("%w: passphrase entry for %s partition", imagerr.ErrUserCancelled, p.Designator)
		}
	}
}

// mappingName derives a device-mapper name from the image name and the
// partition's role. dm names cannot contain '/'.
func mappingName(imageName string, p *dissect.Partition) string {
	base := strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' {
			return '-'
		}
		return r
	}, imageName)
	if p.PartNo < 0 {
		// Whole-device images have no partition number.
		return fmt.Sprintf("%s-%s", base, p.Designator)
	}
	return fmt.Sprintf("%s-%s-%d", base, p.Designator, p.PartNo)
}
