package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aufhsm/internal/backend"
	"aufhsm/internal/controller"
)

type rootFlags struct {
	config   string
	dir      string
	inode    bool
	recreate bool
	kill     bool
	quiet    bool
	verbose  bool
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	ctx := newCommandContext(&flags.config, &flags.dir, &flags.verbose)

	rootCmd := &cobra.Command{
		Use:   "aufhsm [flags] MOUNT [PATH=UPPER-LOWER | UPPER-LOWER]...",
		Short: "Configure tiered storage watermarks of an aufs mount",
		Long: `Sets the watermarks of the tiered branches of an aufs mount and starts
the migration daemon for it.

Watermarks are in-use percentages. A branch is drained into the next lower
branch once usage rises above UPPER and until it falls below LOWER. Without
a PATH the watermark applies to every branch.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd, ctx, flags, args[0], args[1:])
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&flags.dir, "dir", "d", "", "Directory for candidate lists and the message channel")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.Flags().BoolVarP(&flags.inode, "inode", "i", false, "Apply watermarks to inode usage instead of block usage")
	rootCmd.Flags().BoolVarP(&flags.recreate, "recreate", "r", false, "Discard the stored watermarks and start from defaults")
	rootCmd.Flags().BoolVarP(&flags.kill, "kill", "k", false, "Stop the daemon serving the mount")
	rootCmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Do not print the watermark table")

	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func runController(cmd *cobra.Command, ctx *commandContext, flags rootFlags, mount string, assignments []string) error {
	if err := controller.RequireRoot(); err != nil {
		return err
	}
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.logger(cfg)
	if err != nil {
		return err
	}

	be, err := backend.Open(mount)
	if err != nil {
		return err
	}
	defer be.Close()

	out := cmd.OutOrStdout()
	res, err := controller.Run(cmd.Context(), controller.Options{
		Config:      cfg,
		Backend:     be,
		Mount:       mount,
		Logger:      logger,
		Out:         out,
		Color:       shouldColorize(out),
		Assignments: assignments,
		Inode:       flags.inode,
		Recreate:    flags.recreate,
		Kill:        flags.kill,
		Quiet:       flags.quiet,
		Verbose:     flags.verbose,
		Launch:      controller.DetachedLauncher(cfg.Daemon.Binary),
	})
	if err != nil {
		return err
	}
	if flags.kill && !flags.quiet {
		if res.Killed {
			fmt.Fprintf(out, "Asked the daemon for %s to exit\n", mount)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not reach the daemon for %s\n", mount)
		}
	}
	if res.Launched && !flags.quiet {
		fmt.Fprintf(out, "Started aufhsmd for %s\n", mount)
	}
	return nil
}
