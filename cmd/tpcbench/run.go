package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/fsutil"
	"github.com/perfforge/tpcbench/pkg/history"
	"github.com/perfforge/tpcbench/pkg/runner"
	"github.com/perfforge/tpcbench/pkg/upload"
	"github.com/spf13/cobra"
)

var (
	runProcesses     int
	runJobs          int
	runDuration      int
	runDurationUnit  string
	runPreheat       int
	runSingleSession bool
	runScripts       []string
	runScale         int
	runBidFrom       int
	runBidTo         int
	runMaxRate       float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark",
	Long: `Execute the configured workload against the target database and
write a report with client and server side metrics.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)

	addConnectionFlags(runCmd)

	runCmd.Flags().IntVar(&runProcesses, "processes", 0,
		"number of worker processes to split the branch range across")
	runCmd.Flags().IntVar(&runJobs, "jobs", 0,
		"number of concurrent jobs per process")
	runCmd.Flags().IntVar(&runDuration, "duration", 0,
		"measured phase length, in duration-unit units")
	runCmd.Flags().StringVar(&runDurationUnit, "duration-unit", "",
		`duration unit ("seconds" or "transactions")`)
	runCmd.Flags().IntVar(&runPreheat, "preheat", 0,
		"unmeasured warm-up phase length in seconds")
	runCmd.Flags().BoolVar(&runSingleSession, "single-session", false,
		"pin every job to a single database session")
	runCmd.Flags().StringSliceVar(&runScripts, "script", nil,
		"workload script, builtin:<name> or a file path (can be repeated)")
	runCmd.Flags().IntVar(&runScale, "scale", 0,
		"number of branches; also sets the bid range to [1, scale] unless --bid-from/--bid-to are given")
	runCmd.Flags().IntVar(&runBidFrom, "bid-from", 0,
		"lowest branch ID to touch")
	runCmd.Flags().IntVar(&runBidTo, "bid-to", 0,
		"highest branch ID to touch")
	runCmd.Flags().Float64Var(&runMaxRate, "max-rate", 0,
		"target transactions per second across all jobs (0 = unthrottled)")
}

// applyRunFlags merges set workload flags into cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	w := &cfg.Workload

	if cmd.Flags().Changed("processes") {
		w.Processes = runProcesses
	}

	if cmd.Flags().Changed("jobs") {
		w.Jobs = runJobs
	}

	if cmd.Flags().Changed("duration") {
		w.Duration = runDuration
	}

	if cmd.Flags().Changed("duration-unit") {
		w.DurationUnit = runDurationUnit
	}

	if cmd.Flags().Changed("preheat") {
		w.PreheatSeconds = runPreheat
	}

	if cmd.Flags().Changed("single-session") {
		w.SingleSession = runSingleSession
	}

	if cmd.Flags().Changed("max-rate") {
		w.MaxRate = runMaxRate
	}

	if cmd.Flags().Changed("scale") {
		w.Scale = runScale
		w.BidFrom = 1
		w.BidTo = runScale
	}

	if cmd.Flags().Changed("bid-from") {
		w.BidFrom = runBidFrom
	}

	if cmd.Flags().Changed("bid-to") {
		w.BidTo = runBidTo
	}

	if cmd.Flags().Changed("script") {
		w.Scripts = make([]config.ScriptSpec, 0, len(runScripts))

		for _, raw := range runScripts {
			spec, err := config.ParseScriptSpec(raw)
			if err != nil {
				return fmt.Errorf("invalid --script %q: %w", raw, err)
			}

			w.Scripts = append(w.Scripts, spec)
		}
	}

	return nil
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	applyConnectionFlags(cmd, cfg)

	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	resultsOwner, err := fsutil.ParseOwner(cfg.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	var store history.Store
	if cfg.History.Enabled {
		store = history.NewStore(log, &cfg.History)
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("starting history store: %w", err)
		}

		defer func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop history store")
			}
		}()
	}

	var uploader upload.Uploader
	if cfg.Upload != nil && cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader = upload.NewS3Uploader(log, cfg.Upload.S3)

		// Fail before the run rather than after an hour of benchmarking.
		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 preflight: %w", err)
		}
	}

	r := runner.NewRunner(log, &runner.Config{
		Connection: cfg.Connection,
		Workload:   cfg.Workload,
		ResultsDir: cfg.ResultsDir,
		ScriptsDir: filepath.Dir(cfgFile),
		Owner:      resultsOwner,
		Settings:   cfg,
	}, store, uploader)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	if _, err := r.Run(ctx); err != nil {
		return fmt.Errorf("benchmark run: %w", err)
	}

	return nil
}
