package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/schema"
	"github.com/spf13/cobra"
)

var (
	initDrop        bool
	initScale       int
	initFillWorkers int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and fill the benchmark tables",
	Long: `Create the table folder and the branches, tellers, accounts and
history tables, then load scale branches with their tellers and
accounts. Existing rows are truncated before loading.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	addConnectionFlags(initCmd)

	initCmd.Flags().BoolVar(&initDrop, "drop", false,
		"drop existing benchmark tables before creating them")
	initCmd.Flags().IntVar(&initScale, "scale", 0,
		"number of branches to load (overrides config)")
	initCmd.Flags().IntVar(&initFillWorkers, "fill-workers", 0,
		"concurrent branch loads (0 = default)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	applyConnectionFlags(cmd, cfg)

	if cmd.Flags().Changed("scale") {
		cfg.Workload.Scale = initScale
	}

	// Init works with configs that have no scripts yet, so only the
	// fields it uses are checked here.
	if cfg.Connection.Endpoint == "" {
		return fmt.Errorf("connection endpoint is required")
	}

	if cfg.Connection.Database == "" {
		return fmt.Errorf("connection database is required")
	}

	if !config.ValidFolderName(cfg.Workload.TableFolder) {
		return fmt.Errorf(
			"table folder %q may only contain letters, digits and underscores",
			cfg.Workload.TableFolder,
		)
	}

	if cfg.Workload.Scale < 1 {
		return fmt.Errorf("scale must be at least 1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	mgr := schema.NewManager(log, &schema.Config{
		TableFolder: cfg.Workload.TableFolder,
		Scale:       cfg.Workload.Scale,
		FillWorkers: initFillWorkers,
	}, &db.Config{
		Endpoint: cfg.Connection.Endpoint,
		Database: cfg.Connection.Database,
		User:     cfg.Connection.User,
		Password: cfg.Connection.Password,
		RootCert: cfg.Connection.RootCert,
		PoolSize: cfg.Connection.PoolSize,
	})

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	defer func() {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close schema connection")
		}
	}()

	if initDrop {
		if err := mgr.Drop(ctx); err != nil {
			return fmt.Errorf("dropping tables: %w", err)
		}
	}

	if err := mgr.Create(ctx); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}

	if err := mgr.Fill(ctx); err != nil {
		return fmt.Errorf("filling tables: %w", err)
	}

	return nil
}
