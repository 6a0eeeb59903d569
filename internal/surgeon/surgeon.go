// Package surgeon orchestrates a full image operation: attach the
// image to a loop device, resolve verity parameters, dissect the
// partition table, establish whatever mappings and mounts the action
// needs, run the action, and settle every acquired resource in strict
// reverse order.
package surgeon

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/config"
	"github.com/jgarman/imgsurgeon/internal/creds"
	"github.com/jgarman/imgsurgeon/internal/dissect"
	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/lease"
	"github.com/jgarman/imgsurgeon/internal/transfer"
	"github.com/jgarman/imgsurgeon/internal/verity"
)

// Action selects what Run does with the image.
type Action string

const (
	ActionInspect Action = "inspect"
	ActionMount   Action = "mount"
	ActionExtract Action = "extract"
	ActionInject  Action = "inject"
)

// Flags carries the per-invocation switches.
type Flags struct {
	// ReadOnly forces every mount read-only.
	ReadOnly bool

	// Fsck checks filesystems before mounting them.
	Fsck bool

	// Mkdir creates the mount point for the mount action if missing.
	Mkdir bool

	// Discard policy: disabled, loop, all or crypt.
	Discard string
}

// Request describes one image operation.
type Request struct {
	ImagePath string
	Action    Action

	// Path is the mount point for the mount action.
	Path string

	// Source and Target name the endpoints of a transfer. For extract,
	// Source is a path inside the image and Target a host path; for
	// inject the roles are swapped. "-" or empty selects stdin/stdout.
	Source string
	Target string

	Flags  Flags
	Verity *verity.Descriptor
}

// Validate checks the request before any resource is acquired.
func (r *Request) Validate() error {
	if r.ImagePath == "" {
		return fmt.Errorf("%w: no image path given", imagerr.ErrArgument)
	}

	switch r.Action {
	case ActionInspect:
	case ActionMount:
		if r.Path == "" {
			return fmt.Errorf("%w: mount needs a mount point", imagerr.ErrArgument)
		}
	case ActionExtract:
		if r.Source == "" {
			return fmt.Errorf("%w: extract needs a path inside the image", imagerr.ErrArgument)
		}
	case ActionInject:
		if r.Target == "" {
			return fmt.Errorf("%w: inject needs a path inside the image", imagerr.ErrArgument)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", imagerr.ErrArgument, r.Action)
	}

	switch r.Flags.Discard {
	case "", "disabled", "loop", "all", "crypt":
	default:
		return fmt.Errorf("%w: unknown discard policy %q", imagerr.ErrArgument, r.Flags.Discard)
	}

	if r.Verity != nil && r.Verity.HasSignature() && !r.Verity.HasRootHash() {
		return fmt.Errorf("%w: root hash signature given without a root hash", imagerr.ErrArgument)
	}

	return nil
}

// writable reports whether the action mutates the image. Inspect and
// extract never do, so their loop device and mounts are read-only.
func (r *Request) writable() bool {
	return r.Action == ActionInject ||
		(r.Action == ActionMount && !r.Flags.ReadOnly)
}

// Surgeon runs image operations. Zero value is not usable; construct
// with New.
type Surgeon struct {
	log      *logrus.Entry
	transfer *transfer.Engine
	stdout   io.Writer

	loopBackend lease.LoopBackend
	fsckPath    string
	attempts    int
	prompter    creds.Prompter
	opener      creds.Opener
}

// New builds a Surgeon from the configuration.
func New(cfg *config.Config, log *logrus.Entry) *Surgeon {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Surgeon{
		log:         log,
		transfer:    transfer.New(log),
		stdout:      os.Stdout,
		loopBackend: lease.LoopBackend(cfg.Loop.Backend),
		fsckPath:    cfg.Tools.Fsck,
		attempts:    cfg.Auth.PassphraseAttempts,
		opener:      creds.NewToolOpener(cfg.Tools.Veritysetup, cfg.Tools.Cryptsetup),
	}
}

// Run executes the request. Every resource acquired along the way is
// settled before Run returns: torn down on failure and for the
// self-contained actions, relinquished for a successful mount.
func (s *Surgeon) Run(ctx context.Context, req *Request) (err error) {
	if err := req.Validate(); err != nil {
		return err
	}

	desc := req.Verity
	if desc == nil {
		desc = &verity.Descriptor{}
	}
	if err := creds.ResolveVerity(req.ImagePath, desc); err != nil {
		return err
	}

	stack := lease.NewStack(s.log)
	relinquished := false
	defer func() {
		if relinquished {
			return
		}
		if unwindErr := stack.Unwind(); unwindErr != nil && err == nil {
			err = unwindErr
		}
	}()

	writable := req.writable()

	loop, err := lease.AttachLoop(req.ImagePath, writable, s.loopBackend, s.log)
	if err != nil {
		return err
	}
	stack.Push(loop)

	// The loop device mode has to match the mounts below: mounting
	// read-write on a read-only loop device fails with EACCES.
	img, err := dissect.Dissect(req.ImagePath, loop.Device(), desc, dissect.Flags{
		ReadOnly:         !writable,
		NoPartitionTable: desc.UsesExternalData(),
	}, s.log)
	if err != nil {
		return err
	}

	switch req.Action {
	case ActionInspect:
		return s.runInspect(ctx, stack, img, desc, req)

	case ActionMount:
		if err := s.mountRoot(ctx, stack, img, desc, req, req.Path, writable); err != nil {
			return err
		}
		if err := stack.Relinquish(); err != nil {
			return err
		}
		relinquished = true
		s.log.WithField("path", req.Path).Info("image mounted")
		return nil

	case ActionExtract, ActionInject:
		root, cleanup, err := s.mountTemp(ctx, stack, img, desc, req, writable)
		if err != nil {
			return err
		}
		defer cleanup()
		if req.Action == ActionExtract {
			return s.transfer.CopyFromImage(ctx, root, req.Source, req.Target)
		}
		return s.transfer.CopyToImage(ctx, root, req.Source, req.Target)
	}

	return fmt.Errorf("%w: unknown action %q", imagerr.ErrArgument, req.Action)
}

// decrypt runs the credential handshake and pushes the resulting lease
// if there is one.
func (s *Surgeon) decrypt(ctx context.Context, stack *lease.Stack, img *dissect.Image, desc *verity.Descriptor) error {
	dl, err := creds.DecryptInteractively(ctx, img, desc, creds.Options{
		Attempts: s.attempts,
		Prompter: s.prompter,
		Opener:   s.opener,
	}, s.log)
	if err != nil {
		return err
	}
	if dl != nil {
		stack.Push(dl)
	}
	return nil
}

// mountRoot decrypts as needed and mounts the root partition at
// target.
func (s *Surgeon) mountRoot(ctx context.Context, stack *lease.Stack, img *dissect.Image, desc *verity.Descriptor, req *Request, target string, writable bool) error {
	if err := s.decrypt(ctx, stack, img, desc); err != nil {
		return err
	}

	root, err := img.RootPartition()
	if err != nil {
		return err
	}

	opts := s.mountOptions(req, img, root, writable)
	ml, err := lease.MountPartition(ctx, root.Node, root.FSType, target, opts, s.log)
	if err != nil {
		return err
	}
	stack.Push(ml)
	return nil
}

// mountOptions derives the mount options for one partition. A mount
// must never be read-write when the loop device underneath it is not:
// the kernel refuses that combination with EACCES.
func (s *Surgeon) mountOptions(req *Request, img *dissect.Image, p *dissect.Partition, writable bool) lease.MountOptions {
	return lease.MountOptions{
		ReadOnly: !writable || req.Flags.ReadOnly || !p.ReadWrite,
		Fsck:     req.Flags.Fsck && !img.HasVerity(p),
		Mkdir:    req.Flags.Mkdir,
		Discard:  discardEnabled(req.Flags.Discard, p),
		FsckPath: s.fsckPath,
	}
}

// mountTemp mounts the root tree at a private directory for a
// transfer. The directory is created 0700 and removed again by the
// returned cleanup.
func (s *Surgeon) mountTemp(ctx context.Context, stack *lease.Stack, img *dissect.Image, desc *verity.Descriptor, req *Request, writable bool) (string, func(), error) {
	dir, err := os.MkdirTemp("", "imgsurgeon-*")
	if err != nil {
		return "", nil, fmt.Errorf("%w: creating transfer mount point: %v", imagerr.ErrResourceAcquisition, err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.Remove(dir)
		return "", nil, fmt.Errorf("%w: creating transfer mount point: %v", imagerr.ErrResourceAcquisition, err)
	}

	if err := s.mountRoot(ctx, stack, img, desc, req, dir, writable); err != nil {
		os.Remove(dir)
		return "", nil, err
	}

	cleanup := func() {
		// The mount lease unmounts first during stack unwind; removal
		// here only has to handle the directory itself.
		if err := stack.Unwind(); err != nil {
			s.log.WithError(err).Warn("teardown after transfer failed")
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("dir", dir).Warn("failed to remove transfer mount point")
		}
	}
	return dir, cleanup, nil
}

// runInspect prints the structured image view. Metadata needs a
// mounted root tree; failure to get one degrades the output instead of
// failing the inspection.
func (s *Surgeon) runInspect(ctx context.Context, stack *lease.Stack, img *dissect.Image, desc *verity.Descriptor, req *Request) error {
	var meta *dissect.Metadata
	root, cleanup, err := s.mountTemp(ctx, stack, img, desc, req, false)
	if err != nil {
		s.log.WithError(err).Debug("could not mount root tree for metadata")
	} else {
		defer cleanup()
		meta, err = dissect.AcquireMetadata(root)
		if err != nil {
			s.log.WithError(err).Debug("no metadata in image")
		}
	}
	return s.printInspect(img, desc, meta)
}

func (s *Surgeon) printInspect(img *dissect.Image, desc *verity.Descriptor, meta *dissect.Metadata) error {
	w := s.stdout

	fmt.Fprintf(w, "      Name: %s\n", img.Name)
	fmt.Fprintf(w, "      Size: %d\n", img.Size)
	if desc.HasRootHash() {
		if desc.HasSignature() {
			fmt.Fprintf(w, " Root Hash: %s (signed)\n", desc.RootHashString())
		} else {
			fmt.Fprintf(w, " Root Hash: %s\n", desc.RootHashString())
		}
	}
	if meta != nil {
		if meta.Hostname != "" {
			fmt.Fprintf(w, "  Hostname: %s\n", meta.Hostname)
		}
		if meta.MachineID != "" {
			fmt.Fprintf(w, "Machine ID: %s\n", meta.MachineID)
		}
		for _, kv := range meta.OSRelease {
			fmt.Fprintf(w, "%10s: %s\n", "OS Release", kv.Key+"="+kv.Value)
		}
		for _, kv := range meta.MachineInfo {
			fmt.Fprintf(w, "%10s: %s\n", "Mach. Info", kv.Key+"="+kv.Value)
		}
	}

	fmt.Fprintln(w)
	for i := range img.Partitions {
		p := &img.Partitions[i]
		rw := "ro"
		if p.ReadWrite {
			rw = "rw"
		}
		line := fmt.Sprintf("%-12s %s %s", p.Designator, p.Node, rw)
		if p.FSType != "" {
			line += " " + p.FSType
		}
		if p.UUID != uuid.Nil {
			line += " uuid=" + p.UUID.String()
		}
		if p.Architecture != dissect.ArchNone {
			line += " arch=" + string(p.Architecture)
		}
		if img.HasVerity(p) {
			if desc.HasSignature() {
				line += " verity=signed"
			} else {
				line += " verity=unsigned"
			}
		} else if img.CanVerity(p) {
			line += " verity=no-hash"
		}
		if p.PartNo >= 0 {
			line += fmt.Sprintf(" partno=%d", p.PartNo)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// discardEnabled applies the discard policy to one partition. Every
// device this tool mounts is loop-backed, so "loop" and "all" behave
// the same here; "crypt" only covers partitions reached through a
// device-mapper mapping.
func discardEnabled(policy string, p *dissect.Partition) bool {
	switch policy {
	case "all", "loop":
		return true
	case "crypt":
		// Only filesystems reached through a device-mapper mapping.
		return strings.HasPrefix(p.Node, "/dev/mapper/")
	default:
		return false
	}
}
