package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"aufhsm/internal/journal"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var passID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent migration passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Paths.JournalPath) == "" {
				return fmt.Errorf("migration journal is disabled (paths.journal_path is empty)")
			}
			store, err := journal.Open(cfg.Paths.JournalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			if id := strings.TrimSpace(passID); id != "" {
				outcomes, err := store.Outcomes(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printOutcomes(out, id, outcomes, colorize)
			}
			passes, err := store.RecentPasses(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printPasses(out, passes, colorize)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of passes to show")
	cmd.Flags().StringVar(&passID, "pass", "", "Show the per-file outcomes of one pass")
	return cmd
}

func printPasses(out io.Writer, passes []journal.Pass, colorize bool) error {
	if len(passes) == 0 {
		_, err := fmt.Fprintln(out, "No migration passes recorded")
		return err
	}

	rows := make([][]string, 0, len(passes))
	var count, files int
	var bytes int64
	for _, p := range passes {
		rows = append(rows, []string{
			p.StartedAt.Local().Format("2006-01-02 15:04:05"),
			p.ID,
			branchChain(p),
			p.Result,
			strconv.Itoa(p.Moved),
			strconv.Itoa(p.Skipped),
			strconv.Itoa(p.Requeued),
			strconv.Itoa(p.Dropped),
			humanize.IBytes(uint64(max(p.Bytes, 0))),
			passDuration(p),
		})
		count++
		files += p.Moved
		bytes += p.Bytes
	}
	headers := []string{"Started", "Pass", "Branch", "Result", "Moved", "Skipped", "Requeued", "Dropped", "Bytes", "Duration"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	if _, err := fmt.Fprintln(out, renderTable(headers, rows, aligns, colorize)); err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	_, err := p.Fprintf(out, "%d passes moved %d files (%s)\n", count, files, humanize.IBytes(uint64(max(bytes, 0))))
	return err
}

func printOutcomes(out io.Writer, passID string, outcomes []journal.Outcome, colorize bool) error {
	if len(outcomes) == 0 {
		_, err := fmt.Fprintf(out, "No outcomes recorded for pass %s\n", passID)
		return err
	}
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []string{
			o.At.Local().Format("15:04:05"),
			strconv.Itoa(o.BranchID),
			o.Name,
			humanize.IBytes(uint64(max(o.Size, 0))),
			o.Outcome,
			o.Detail,
		})
	}
	headers := []string{"Time", "Branch", "File", "Size", "Outcome", "Detail"}
	aligns := []columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft}
	_, err := fmt.Fprintln(out, renderTable(headers, rows, aligns, colorize))
	return err
}

func branchChain(p journal.Pass) string {
	if p.FinalBranchID == p.BranchID {
		return strconv.Itoa(p.BranchID)
	}
	return fmt.Sprintf("%d>%d", p.BranchID, p.FinalBranchID)
}

func passDuration(p journal.Pass) string {
	if p.FinishedAt.IsZero() || p.StartedAt.IsZero() {
		return "-"
	}
	return p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond).String()
}
