package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/bruci/internal/config"
	"pkt.systems/bruci/internal/history"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, or the failures of one run",
		Args:  cobra.NoArgs,
		RunE:  historyE,
	}
	addLoggingFlags(historyCmd.Flags())
	historyCmd.Flags().String("db", "", "History database (default: history from config)")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	historyCmd.Flags().String("collection", "", "Only runs of this collection")
	historyCmd.Flags().String("environment", "", "Only runs against this environment")
	historyCmd.Flags().String("run", "", "Show the failures recorded for this run ID")
	return historyCmd
}

func historyE(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	db, _ := f.GetString("db")
	limit, _ := f.GetInt("limit")
	collName, _ := f.GetString("collection")
	envName, _ := f.GetString("environment")
	runID, _ := f.GetString("run")

	if db == "" {
		path, _ := f.GetString("config")
		cfg, err := config.New().Load(path, ".")
		if err != nil {
			return usageError("%v", err)
		}
		db = cfg.History
	}
	if db == "" {
		return usageError("no history database: use --db or set history in bruci.yaml")
	}

	store, err := history.Open(cmd.Context(), db)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	defer store.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if runID != "" {
		failures, err := store.Failures(cmd.Context(), runID)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		fmt.Fprintln(tw, "NAME\tITERATION\tOUTCOME\tMESSAGE")
		for _, fl := range failures {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", fl.Name, fl.Iteration, fl.Outcome, fl.Message)
		}
		return tw.Flush()
	}

	runs, err := store.List(cmd.Context(), history.Filter{Collection: collName, Environment: envName, Limit: limit})
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	fmt.Fprintln(tw, "ID\tSTARTED\tCOLLECTION\tENVIRONMENT\tSTATUS\tPASSED\tFAILED\tERRORED\tSKIPPED\tDURATION\tP95")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Collection, r.Environment, r.Status,
			r.Passed, r.Failed, r.Errored, r.Skipped, r.Duration.Round(time.Millisecond), r.P95)
	}
	return tw.Flush()
}
