package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"aufhsm/internal/backend"
	"aufhsm/internal/candidates"
	"aufhsm/internal/controller"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list MOUNT BRANCH",
		Short: "Show the migration candidates of a branch",
		Long: `Shows the pending candidate list and the failed list of one branch, in
the order the next pass will try them. BRANCH is a branch id or path.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			be, err := backend.Open(args[0])
			if err != nil {
				return err
			}
			defer be.Close()

			branches, err := be.Branches(cmd.Context())
			if err != nil {
				return fmt.Errorf("list branches: %w", err)
			}
			brid, err := resolveBranchArg(branches, args[1])
			if err != nil {
				return err
			}
			root, err := be.OpenBranch(cmd.Context(), brid)
			if err != nil {
				return err
			}
			defer root.Close()
			name, err := candidates.ListName(root)
			if err != nil {
				return err
			}

			lists := candidates.NewManager(afero.NewReadOnlyFs(afero.NewOsFs()), cfg.Paths.ListDir, nil, nil)
			pending, failed, err := lists.Snapshot(name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return printCandidates(out, pending, failed, limit, shouldColorize(out))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of pending candidates to show (0 for all)")
	return cmd
}

func resolveBranchArg(branches []backend.Branch, arg string) (int, error) {
	if id, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil {
		if _, ok := backend.Find(backend.Participants(branches), id); !ok {
			return 0, fmt.Errorf("branch %d is not a tiered branch of this mount", id)
		}
		return id, nil
	}
	br, err := controller.ResolveBranch(branches, arg)
	if err != nil {
		return 0, err
	}
	return br.ID, nil
}

func printCandidates(out io.Writer, pending, failed []candidates.Record, limit int, colorize bool) error {
	if len(pending) == 0 && len(failed) == 0 {
		_, err := fmt.Fprintln(out, "No migration candidates")
		return err
	}
	shown := pending
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	rows := make([][]string, 0, len(shown)+len(failed))
	var total int64
	for _, rec := range pending {
		total += rec.Size
	}
	for _, rec := range shown {
		rows = append(rows, candidateRow("pending", rec))
	}
	for _, rec := range failed {
		rows = append(rows, candidateRow("failed", rec))
	}
	headers := []string{"List", "Accessed", "Size", "File"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}
	if _, err := fmt.Fprintln(out, renderTable(headers, rows, aligns, colorize)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d pending (%s), %d failed\n", len(pending), humanize.IBytes(uint64(max(total, 0))), len(failed))
	return err
}

func candidateRow(list string, rec candidates.Record) []string {
	return []string{list, formatAtime(rec.Atime), humanize.IBytes(uint64(max(rec.Size, 0))), rec.Name}
}

// formatAtime renders a "seconds.nanoseconds" access time relative to now.
func formatAtime(value string) string {
	secText, _, _ := strings.Cut(value, ".")
	sec, err := strconv.ParseInt(secText, 10, 64)
	if err != nil {
		return value
	}
	return humanize.Time(time.Unix(sec, 0))
}
