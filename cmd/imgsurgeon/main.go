package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/jgarman/imgsurgeon/internal/config"
	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/surgeon"
	"github.com/jgarman/imgsurgeon/internal/verity"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %[1]s COMMAND [OPTIONS...] ARGS...

Commands:
  inspect IMAGE              Show the partitions and metadata of a disk image
  mount   IMAGE PATH         Mount a disk image at PATH
  extract IMAGE SRC [DST]    Copy SRC out of the image to DST (or stdout)
  inject  IMAGE [SRC] DST    Copy SRC (or stdin) into the image at DST

Run '%[1]s COMMAND -h' for command options.
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(imagerr.ExitArgument)
	}

	err := run(os.Args[1], os.Args[2:])
	if err != nil {
		logrus.WithError(err).Error(os.Args[1] + " failed")
	}
	os.Exit(imagerr.ExitCode(err))
}

func run(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		configPath  = fs.String("config", "/etc/imgsurgeon/config.json", "Configuration file")
		verbose     = fs.Bool("verbose", false, "Enable debug logging")
		readOnly    = fs.Bool("read-only", false, "Mount everything read-only")
		discard     = fs.String("discard", "", "Discard policy: disabled, loop, all, crypt")
		loopBackend = fs.String("loop-backend", "", "Loop attach backend: ioctl, udisks")
		rootHash    = fs.String("root-hash", "", "Verity root hash (hex)")
		rootHashSig = fs.String("root-hash-sig", "", "Root hash signature: PATH or base64:DATA")
		verityData  = fs.String("verity-data", "", "External verity hash-tree file")
	)
	var (
		fsck  = fs.Bool("fsck", true, "Check filesystems before mounting")
		mkdir = fs.Bool("mkdir", false, "Create the mount point if missing")
	)

	action, ok := map[string]surgeon.Action{
		"inspect": surgeon.ActionInspect,
		"mount":   surgeon.ActionMount,
		"extract": surgeon.ActionExtract,
		"inject":  surgeon.ActionInject,
	}[command]
	if !ok {
		usage()
		return fmt.Errorf("%w: unknown command %q", imagerr.ErrArgument, command)
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", imagerr.ErrArgument, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", imagerr.ErrArgument, err)
	}
	if *loopBackend != "" {
		cfg.Loop.Backend = *loopBackend
	}

	log := setupLogging(cfg.LogLevel, *verbose)

	req := &surgeon.Request{Action: action}
	req.Flags.ReadOnly = *readOnly
	req.Flags.Mkdir = *mkdir
	req.Flags.Discard = *discard
	if req.Flags.Discard == "" {
		req.Flags.Discard = cfg.Mount.Discard
	}

	req.Flags.Fsck = resolveFsck(fs, *fsck, cfg.Mount.Fsck)

	desc := &verity.Descriptor{DataPath: *verityData}
	if *rootHash != "" {
		if err := desc.SetRootHash(*rootHash); err != nil {
			return err
		}
	}
	if *rootHashSig != "" {
		if err := desc.SetSignature(*rootHashSig); err != nil {
			return err
		}
	}
	req.Verity = desc

	if err := positional(req, fs.Args()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return surgeon.New(cfg, log).Run(ctx, req)
}

// resolveFsck picks the fsck setting: the configuration supplies the
// default, the flag only wins when the user actually passed it.
func resolveFsck(fs *flag.FlagSet, flagValue, configDefault bool) bool {
	passed := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "fsck" {
			passed = true
		}
	})
	if passed {
		return flagValue
	}
	return configDefault
}

// positional maps the remaining arguments onto the request.
func positional(req *surgeon.Request, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%w: %s needs more arguments", imagerr.ErrArgument, req.Action)
		}
		if len(args) > n {
			return fmt.Errorf("%w: too many arguments for %s", imagerr.ErrArgument, req.Action)
		}
		return nil
	}

	switch req.Action {
	case surgeon.ActionInspect:
		if err := need(1); err != nil {
			return err
		}
		req.ImagePath = args[0]

	case surgeon.ActionMount:
		if err := need(2); err != nil {
			return err
		}
		req.ImagePath, req.Path = args[0], args[1]

	case surgeon.ActionExtract:
		// Target defaults to stdout.
		if len(args) == 2 {
			args = append(args, "-")
		}
		if err := need(3); err != nil {
			return err
		}
		req.ImagePath, req.Source, req.Target = args[0], args[1], args[2]

	case surgeon.ActionInject:
		// Source defaults to stdin.
		if len(args) == 2 {
			args = []string{args[0], "-", args[1]}
		}
		if err := need(3); err != nil {
			return err
		}
		req.ImagePath, req.Source, req.Target = args[0], args[1], args[2]
	}
	return nil
}

func setupLogging(level string, verbose bool) *logrus.Entry {
	if verbose {
		level = "debug"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	return logrus.NewEntry(logrus.StandardLogger())
}
