package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-cyclegan/journal"
	"github.com/tsawler/go-cyclegan/training"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List journaled runs, or the epochs of one run",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(a, cmd, map[string]string{"journal": "journal_path"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return errors.New("no journal configured, set --journal or journal_path")
			}
			j, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer j.Close()

			if len(args) == 0 {
				return listRuns(cmd, j)
			}
			return listEpochs(cmd, j, args[0])
		},
	}
	cmd.Flags().String("journal", "", "SQLite training journal path")
	return cmd
}

func listRuns(cmd *cobra.Command, j *journal.Journal) error {
	runs, err := j.Runs(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tDEVICE\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Device, r.Status, r.StartedAt.Format(time.RFC3339), duration)
	}
	return tw.Flush()
}

func listEpochs(cmd *cobra.Command, j *journal.Journal, runID string) error {
	epochs, err := j.Epochs(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(epochs) == 0 {
		return errors.Errorf("no epochs recorded for run %s", runID)
	}
	return writeEpochTable(cmd.OutOrStdout(), epochs)
}

func writeEpochTable(w io.Writer, epochs []training.EpochSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tSTEPS\tD_LOSS\tG_LOSS\tH_REAL\tH_FAKE\tSKIPPED\tCHECKPOINTS")
	for _, e := range epochs {
		fmt.Fprintf(tw, "%d\t%d\t%.4f±%.4f\t%.4f±%.4f\t%.3f\t%.3f\t%d/%d\t%d\n",
			e.Epoch, e.Steps, e.DLossMean, e.DLossStd, e.GLossMean, e.GLossStd,
			e.HReal, e.HFake, e.SkippedD, e.SkippedG, len(e.Checkpoints))
	}
	return tw.Flush()
}
