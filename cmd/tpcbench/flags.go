package main

import (
	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/spf13/cobra"
)

// Connection flags shared by the run and init commands.
var (
	connEndpoint    string
	connDatabase    string
	connUser        string
	connTableFolder string
)

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&connEndpoint, "endpoint", "",
		"database endpoint as host or host:port (overrides config)")
	cmd.Flags().StringVar(&connDatabase, "database", "",
		"database name (overrides config)")
	cmd.Flags().StringVar(&connUser, "user", "",
		"database user (overrides config)")
	cmd.Flags().StringVar(&connTableFolder, "table-folder", "",
		"schema holding the benchmark tables (overrides config)")
}

// applyConnectionFlags merges set connection flags into cfg. CLI wins
// over both file and environment values.
func applyConnectionFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("endpoint") {
		cfg.Connection.Endpoint = connEndpoint
	}

	if cmd.Flags().Changed("database") {
		cfg.Connection.Database = connDatabase
	}

	if cmd.Flags().Changed("user") {
		cfg.Connection.User = connUser
	}

	if cmd.Flags().Changed("table-folder") {
		cfg.Workload.TableFolder = connTableFolder
	}
}
