package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/banshee-data/scanalign/internal/storage/sqlite"
)

func newRunsCmd() *cobra.Command {
	var (
		journal string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List journalled runs, or show one run's cycles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.Open(journal)
			if err != nil {
				return err
			}
			defer store.Close()
			if len(args) == 1 {
				return printRun(cmd, store, args[0])
			}
			return listRuns(cmd, store, limit)
		},
	}
	cmd.Flags().StringVar(&journal, "journal", "scanalign.db", "sqlite journal path")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func listRuns(cmd *cobra.Command, store *sqlite.Store, limit int) error {
	runs, err := store.Runs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tSTRIPS\tREJECTED\tCYCLES\tSENT\tHEIGHT\tERROR")
	for _, r := range runs {
		dur := "running"
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, humanize.Time(r.StartedAt), dur, r.StripsProcessed, r.StripsRejected,
			r.Cycles, r.OutputsSent, r.CompositeHeight, r.Error)
	}
	return tw.Flush()
}

func printRun(cmd *cobra.Command, store *sqlite.Store, id string) error {
	ctx := cmd.Context()
	run, err := store.Run(ctx, id)
	if err != nil {
		return err
	}
	cycles, err := store.Cycles(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s started %s, %d strips (%d rejected), height %d\n",
		run.ID, run.StartedAt.Format(time.RFC3339), run.StripsProcessed, run.StripsRejected, run.CompositeHeight)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tHEIGHT\tREGISTERED\tCONFIDENCE\tTILES\tBUDGET\tREPLANS\tSENT\tERROR")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%d\t%d\t%t\t%.3f\t%d\t%s\t%d\t%t\t%s\n",
			c.Cycle, c.Height, c.Registered, c.Confidence, c.Tiles,
			humanize.IBytes(uint64(max(c.MemoryBudget, 0))), c.Replans, c.Sent, c.Error)
	}
	return tw.Flush()
}
