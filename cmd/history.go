package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/history"
	"github.com/tanq16/mediagrab/internal/output"
	"github.com/tanq16/mediagrab/internal/types"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [--limit N]",
		Short: "Show recently finished downloads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if cfg.HistoryDB == "" {
				exitOnFailure(fmt.Errorf("download history is disabled"))
			}
			store, err := history.Open(cfg.HistoryDB)
			exitOnFailure(err)
			defer store.Close()
			records, err := store.List(limit)
			exitOnFailure(err)
			if len(records) == 0 {
				output.PrintInfo("No downloads recorded yet")
				return
			}
			output.PrintHeader(fmt.Sprintf("Last %d downloads", len(records)))
			for _, r := range records {
				fmt.Println(formatRecord(r))
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of records to show")
	return cmd
}

func formatRecord(r history.Record) string {
	when := output.FDebug(r.FinishedAt.Format("2006-01-02 15:04:05"))
	switch r.Status {
	case types.StatusComplete.String():
		return fmt.Sprintf("  %s %s %s %s", when, output.FSuccess(r.Platform), r.SourceURL, output.FDetail("-> "+r.OutputPath))
	case types.StatusCancelled.String():
		return fmt.Sprintf("  %s %s %s", when, output.FWarning(r.Platform), r.SourceURL)
	default:
		return fmt.Sprintf("  %s %s %s %s", when, output.FError(r.Platform), r.SourceURL, output.FError(fmt.Sprintf("(%s: %s)", r.Kind, r.Error)))
	}
}
