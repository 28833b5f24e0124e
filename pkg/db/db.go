// Package db provides the database session layer the workload runs
// against: a session pool with per-transaction retry, and sessions that
// execute a script's statements as one transaction.
package db

import (
	"context"

	"github.com/perfforge/tpcbench/pkg/workload"
)

// ServerStats carries the server-reported timing for one executed
// transaction. Both fields are zero when the backend does not report
// per-query statistics over the wire.
type ServerStats struct {
	DurationUS int64
	CPUTimeUS  int64
}

// Args maps parameter names to the values bound for one transaction.
type Args map[string]any

// Session executes scripts against one database connection.
type Session interface {
	// RunScript executes the statements as a single transaction,
	// draining every result row before returning, so that server stats
	// are fully populated when available.
	RunScript(ctx context.Context, stmts []workload.Statement, args Args) (ServerStats, error)
}

// Pool hands out sessions and offers a retrying execution wrapper.
// Acquired sessions must be returned with Release.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error

	Acquire(ctx context.Context) (Session, error)
	Release(s Session)

	// ExecuteWithRetry acquires a fresh session per attempt and retries
	// op on transient failures. The final error is returned once the
	// retry budget is exhausted.
	ExecuteWithRetry(ctx context.Context, op func(ctx context.Context, s Session) error) error
}
