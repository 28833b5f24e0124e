package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/runner"
	"github.com/spf13/cobra"
)

var workerSpecPath string

// workerCmd is spawned by the run command, one process per branch
// sub-range. Not meant to be invoked by hand.
var workerCmd = &cobra.Command{
	Use:    "run-worker",
	Short:  "Run a single benchmark worker process",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerSpecPath, "spec", "",
		"worker spec file written by the parent process")

	if err := workerCmd.MarkFlagRequired("spec"); err != nil {
		panic(err)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	spec, err := runner.LoadWorkerSpec(workerSpecPath)
	if err != nil {
		return err
	}

	wlog := log.WithField("worker", spec.WorkerIndex)

	dbCfg, err := spec.DBConfig()
	if err != nil {
		return err
	}

	// The parent sends SIGINT when its own context is canceled; a clean
	// stop here still flushes the partial results below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		wlog.WithField("signal", sig).Info("Worker received shutdown signal")
		cancel()
	}()

	pool := db.NewPool(wlog, dbCfg)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting session pool: %w", err)
	}

	defer func() {
		if err := pool.Stop(); err != nil {
			wlog.WithError(err).Warn("Failed to stop session pool")
		}
	}()

	collector, err := runner.RunJobs(ctx, wlog, spec, pool)
	if err != nil {
		return err
	}

	if err := runner.WriteWorkerOutput(spec.OutputPath, collector); err != nil {
		return fmt.Errorf("writing worker output: %w", err)
	}

	return nil
}
