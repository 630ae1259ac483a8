package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/daemon"
	"aufhsm/internal/logging"
	"aufhsm/internal/metrics"
)

type rootFlags struct {
	config     string
	dir        string
	verbose    bool
	foreground bool
}

type commandContext struct {
	flags *rootFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if dir := strings.TrimSpace(c.flags.dir); dir != "" {
			expanded, err := config.ExpandPath(dir)
			if err != nil {
				c.configErr = fmt.Errorf("resolve --dir: %w", err)
				return
			}
			cfg.Paths.ListDir = expanded
		}
		if err := cfg.CheckListDir(); err != nil {
			c.configErr = fmt.Errorf("%w: list directory: %w", config.ErrInvalid, err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cfg *config.Config, verbose bool) (*slog.Logger, error) {
	logger, err := logging.NewFromConfig(cfg, "aufhsmd", !c.flags.foreground, c.flags.verbose || verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	ctx := &commandContext{flags: flags}

	rootCmd := &cobra.Command{
		Use:           "aufhsmd [flags] MOUNT",
		Short:         "Migrate files down the tiered branches of an aufs mount",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, ctx, args[0])
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&flags.dir, "dir", "d", "", "Directory for candidate lists and the message channel")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.Flags().BoolVarP(&flags.foreground, "foreground", "f", false, "Log to stderr instead of syslog")

	rootCmd.AddCommand(newWorkerCommand(ctx))
	return rootCmd
}

func runDaemon(cmd *cobra.Command, ctx *commandContext, mount string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := ctx.logger(cfg, false)
	if err != nil {
		return err
	}

	be, err := backend.Open(mount)
	if err != nil {
		logging.ErrorWithContext(logger, "cannot open mount", "mount_open_failed",
			logging.String("mount", mount),
			logging.Error(err),
		)
		return err
	}
	defer be.Close()

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Backend: be,
		Mount:   mount,
		Logger:  logger,
		Verbose: ctx.flags.verbose,
		Metrics: metrics.New(),
		Signals: true,
	})
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}
