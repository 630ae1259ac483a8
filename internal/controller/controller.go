package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/daemon"
	"aufhsm/internal/logging"
	"aufhsm/internal/msgchan"
	"aufhsm/internal/wmark"
)

// ErrNotRoot is returned when the controller runs without root privileges.
var ErrNotRoot = errors.New("aufhsm must be run as root")

// RequireRoot fails unless the effective user is root.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: %w", ErrNotRoot, os.ErrPermission)
	}
	return nil
}

// Options describes one controller invocation.
type Options struct {
	Config  *config.Config
	Backend backend.Backend
	Mount   string
	Logger  *slog.Logger
	// Out receives the watermark table unless Quiet is set.
	Out   io.Writer
	Color bool

	Assignments []string
	Inode       bool
	Recreate    bool
	Kill        bool
	Quiet       bool
	Verbose     bool

	// Launch starts the daemon when none is running. Nil skips the launch.
	Launch Launcher
}

// Result reports what a controller run did.
type Result struct {
	Name     string
	Changed  bool
	Notified bool
	Launched bool
	Killed   bool
}

// Run applies opts to the watermark store of the mount: it creates or
// resizes the store, writes the watermark assignments, tells a running
// daemon to reload and starts one when none is serving the mount.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Config == nil || opts.Backend == nil {
		return Result{}, errors.New("controller requires config and backend")
	}
	cfg := opts.Config
	logger := logging.NewComponentLogger(opts.Logger, "controller")

	dev, ino, err := opts.Backend.Identity()
	if err != nil {
		return Result{}, fmt.Errorf("mount identity: %w", err)
	}
	res := Result{Name: wmark.Name(dev, ino)}
	if err := cfg.CheckListDir(); err != nil {
		return res, fmt.Errorf("%w: list directory: %w", config.ErrInvalid, err)
	}
	channel := msgchan.Path(cfg.Paths.ListDir, res.Name)

	if opts.Kill {
		wait := msgchan.WaitOptions{Timeout: cfg.ExitWait(), Interval: cfg.ExitPollInterval()}
		if err := msgchan.Send(ctx, channel, msgchan.Exit, opts.Backend, wait); err != nil {
			logging.WarnWithContext(logger, "could not ask daemon to exit", "daemon_kill_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the message channel in the list directory is accessible"),
			)
			return res, nil
		}
		res.Killed = true
		return res, nil
	}

	assigns, err := ParseAssignments(opts.Assignments)
	if err != nil {
		return res, err
	}

	branches, err := opts.Backend.Branches(ctx)
	if err != nil {
		return res, fmt.Errorf("list branches: %w", err)
	}
	if n := len(backend.Participants(branches)); n < 2 {
		return res, fmt.Errorf("%w: %s has %d tiered branches, at least 2 are required", config.ErrInvalid, opts.Mount, n)
	}
	for _, a := range assigns {
		if a.Path == "" {
			continue
		}
		if _, err := ResolveBranch(branches, a.Path); err != nil {
			return res, err
		}
	}

	if opts.Recreate {
		if err := wmark.Unlink(cfg.Paths.ShmDir, res.Name); err != nil {
			return res, err
		}
		logger.Info("watermark store removed for recreation", logging.String("store", wmark.Path(cfg.Paths.ShmDir, res.Name)))
	}

	defaults, err := Defaults(cfg)
	if err != nil {
		return res, err
	}
	changed, err := updateStore(cfg, res.Name, branches, defaults, assigns, opts)
	if err != nil {
		return res, err
	}
	res.Changed = changed || opts.Recreate

	if res.Changed {
		if err := msgchan.Send(ctx, channel, msgchan.Reload, nil, msgchan.WaitOptions{}); err != nil {
			return res, fmt.Errorf("notify daemon: %w", err)
		}
		res.Notified = true
		logger.Debug("reload requested", logging.String("channel", channel))
	}

	if opts.Launch == nil {
		return res, nil
	}
	running, err := daemon.Running(daemon.LockPath(cfg.Paths.ListDir, res.Name))
	if err != nil {
		return res, fmt.Errorf("probe daemon: %w", err)
	}
	if running {
		logger.Debug("daemon already running")
		return res, nil
	}
	err = opts.Launch(LaunchOptions{
		Mount:      opts.Mount,
		ListDir:    cfg.Paths.ListDir,
		ConfigPath: cfg.Source,
		Verbose:    opts.Verbose,
	})
	if err != nil {
		return res, err
	}
	res.Launched = true
	logger.Info("daemon launched", logging.String("mount", opts.Mount))
	return res, nil
}

// updateStore holds the store lock while the table is resized, assigned
// and dumped. The table is signed before the lock is released.
func updateStore(cfg *config.Config, name string, branches []backend.Branch, defaults wmark.Defaults, assigns []Assignment, opts Options) (changed bool, err error) {
	store, changed, err := wmark.Ensure(cfg.Paths.ShmDir, name, branches, defaults)
	if errors.Is(err, wmark.ErrCorruptStore) {
		return false, fmt.Errorf("%w (rerun with --recreate to discard it)", err)
	}
	if err != nil {
		return false, err
	}
	table := store.Table()
	defer func() {
		table.Sign()
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	before := table.Bytes()
	if err := Apply(table, branches, assigns, opts.Inode); err != nil {
		return false, err
	}
	if !bytes.Equal(before, table.Bytes()) {
		changed = true
	}

	if !opts.Quiet && opts.Out != nil {
		if err := Dump(opts.Out, table, branches, opts.Color); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// Defaults converts the configured percentages into store corridors.
func Defaults(cfg *config.Config) (wmark.Defaults, error) {
	block, err := wmark.CorridorFromPercent(cfg.Watermark.BlockUpper, cfg.Watermark.BlockLower)
	if err != nil {
		return wmark.Defaults{}, fmt.Errorf("%w: watermark.block: %w", config.ErrInvalid, err)
	}
	inode, err := wmark.CorridorFromPercent(cfg.Watermark.InodeUpper, cfg.Watermark.InodeLower)
	if err != nil {
		return wmark.Defaults{}, fmt.Errorf("%w: watermark.inode: %w", config.ErrInvalid, err)
	}
	return wmark.Defaults{Block: block, Inode: inode}, nil
}
