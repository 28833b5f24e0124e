package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perfforge/tpcbench/pkg/history"
	"github.com/spf13/cobra"
)

var historyListLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded benchmark runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the full report of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyListCmd.Flags().IntVar(&historyListLimit, "limit", 20,
		"maximum number of runs to list (0 = all)")
}

// openHistoryStore starts the configured history store.
func openHistoryStore(ctx context.Context) (history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is not enabled in config")
	}

	store := history.NewStore(log, &cfg.History)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting history store: %w", err)
	}

	return store, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer store.Stop()

	runs, err := store.ListRuns(ctx, historyListLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No recorded runs.")

		return nil
	}

	fmt.Printf("%-12s %-20s %-28s %10s %8s %10s %10s %10s\n",
		"RUN ID", "STARTED", "ENDPOINT", "TXNS", "FAILED", "TPS", "AVG MS", "P95 MS")

	for _, run := range runs {
		started := time.Unix(run.StartedAt, 0).Format("2006-01-02 15:04:05")

		fmt.Printf("%-12s %-20s %-28s %10d %8d %10.2f %10.3f %10.3f\n",
			run.RunID,
			started,
			run.Endpoint,
			run.TotalTransactions,
			run.FailedTransactions,
			run.TPS,
			run.AvgLatencyMS,
			run.P95LatencyMS,
		)
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	defer store.Stop()

	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading run %q: %w", args[0], err)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(run.ReportJSON), "", "  "); err != nil {
		// Old or hand-edited records may hold something other than
		// JSON; show them as stored.
		fmt.Println(run.ReportJSON)

		return nil
	}

	fmt.Println(buf.String())

	return nil
}
