package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"aufhsm/internal/backend"
	"aufhsm/internal/daemon"
	"aufhsm/internal/logging"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one migration pass described on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := daemon.DecodeWorkerRequest(cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cfg, req.Verbose)
			if err != nil {
				return err
			}
			logger = logger.With(
				logging.Int(logging.FieldWorkerPID, os.Getpid()),
				logging.BranchID(req.BranchID),
			)

			be, err := backend.Open(req.Mount)
			if err != nil {
				return err
			}
			defer be.Close()

			env := daemon.NewWorkerEnv(cfg, be, logger)
			defer env.Close()

			// SIGINT from the daemon stops the pass after the file in flight.
			passCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err = env.RunPass(passCtx, req)
			return err
		},
	}
}
