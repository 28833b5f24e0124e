// Package schema creates, fills and drops the benchmark tables. The
// table layout follows the classic TPC-B profile: branches, tellers,
// accounts and a history journal, all living in a dedicated schema.
package schema

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFillWorkers bounds how many branches are filled at once.
	DefaultFillWorkers = 8

	// progressEvery is how many branches go between fill progress logs.
	progressEvery = 10
)

// tables lists the benchmark tables with their DDL. %[1]s is the table
// folder, validated upstream to be a bare SQL identifier.
var tables = []struct {
	name string
	ddl  string
}{
	{"branches", `CREATE TABLE IF NOT EXISTS %[1]s.branches (
	bid      BIGINT PRIMARY KEY,
	bbalance BIGINT NOT NULL
)`},
	{"tellers", `CREATE TABLE IF NOT EXISTS %[1]s.tellers (
	tid      BIGINT PRIMARY KEY,
	bid      BIGINT NOT NULL,
	tbalance BIGINT NOT NULL
)`},
	{"accounts", `CREATE TABLE IF NOT EXISTS %[1]s.accounts (
	aid      BIGINT PRIMARY KEY,
	bid      BIGINT NOT NULL,
	abalance BIGINT NOT NULL
)`},
	{"history", `CREATE TABLE IF NOT EXISTS %[1]s.history (
	tid   BIGINT NOT NULL,
	bid   BIGINT NOT NULL,
	aid   BIGINT NOT NULL,
	delta BIGINT NOT NULL,
	mtime TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
}

// Config for the schema manager.
type Config struct {
	// TableFolder is the schema the benchmark tables live in.
	TableFolder string

	// Scale is the number of branches to load.
	Scale int

	// FillWorkers bounds concurrent branch fills. Zero means
	// DefaultFillWorkers.
	FillWorkers int
}

// Manager prepares the benchmark tables for a run.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// Create creates the table folder and tables when missing.
	Create(ctx context.Context) error

	// Drop removes the benchmark tables.
	Drop(ctx context.Context) error

	// Fill truncates the tables and loads Scale branches with their
	// tellers and accounts.
	Fill(ctx context.Context) error
}

// NewManager creates a new schema manager connecting with conn.
func NewManager(log logrus.FieldLogger, cfg *Config, conn *db.Config) Manager {
	if cfg.FillWorkers == 0 {
		cfg.FillWorkers = DefaultFillWorkers
	}

	return &manager{
		log:  log.WithField("component", "schema"),
		cfg:  cfg,
		conn: conn,
	}
}

type manager struct {
	log  logrus.FieldLogger
	cfg  *Config
	conn *db.Config
	pool *pgxpool.Pool
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start connects to the database.
func (m *manager) Start(ctx context.Context) error {
	pool, err := db.Connect(ctx, m.conn)
	if err != nil {
		return err
	}

	m.pool = pool

	return nil
}

// Stop closes the database connection.
func (m *manager) Stop() error {
	if m.pool != nil {
		m.pool.Close()
	}

	return nil
}

// Create creates the table folder and tables when missing.
func (m *manager) Create(ctx context.Context) error {
	folder := m.cfg.TableFolder

	if _, err := m.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+folder); err != nil {
		return fmt.Errorf("creating table folder %s: %w", folder, err)
	}

	for _, t := range tables {
		if _, err := m.pool.Exec(ctx, fmt.Sprintf(t.ddl, folder)); err != nil {
			return fmt.Errorf("creating table %s: %w", t.name, err)
		}
	}

	m.log.WithField("table_folder", folder).Info("Benchmark tables created")

	return nil
}

// Drop removes the benchmark tables.
func (m *manager) Drop(ctx context.Context) error {
	for _, t := range tables {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", m.cfg.TableFolder, t.name)
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("dropping table %s: %w", t.name, err)
		}
	}

	m.log.WithField("table_folder", m.cfg.TableFolder).Info("Benchmark tables dropped")

	return nil
}

// Fill truncates the tables and loads Scale branches. Branches are
// filled concurrently, one COPY batch of accounts per branch.
func (m *manager) Fill(ctx context.Context) error {
	started := time.Now()

	for _, t := range tables {
		stmt := fmt.Sprintf("TRUNCATE TABLE %s.%s", m.cfg.TableFolder, t.name)
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("truncating table %s: %w", t.name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.FillWorkers)

	var filled atomic.Int64

	for bid := 1; bid <= m.cfg.Scale; bid++ {
		bid := bid
		g.Go(func() error {
			if err := m.fillBranch(gctx, bid); err != nil {
				return fmt.Errorf("branch %d: %w", bid, err)
			}

			if n := filled.Add(1); n%progressEvery == 0 {
				m.log.WithFields(logrus.Fields{
					"branches": n,
					"total":    m.cfg.Scale,
				}).Info("Fill progress")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("filling tables: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"branches": m.cfg.Scale,
		"accounts": int64(m.cfg.Scale) * workload.AccountsPerBranch,
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Info("Benchmark tables filled")

	return nil
}

// fillBranch loads one branch with its tellers and accounts.
func (m *manager) fillBranch(ctx context.Context, bid int) error {
	folder := m.cfg.TableFolder

	stmt := fmt.Sprintf("INSERT INTO %s.branches (bid, bbalance) VALUES ($1, 0)", folder)
	if _, err := m.pool.Exec(ctx, stmt, bid); err != nil {
		return fmt.Errorf("inserting branch: %w", err)
	}

	if _, err := m.pool.CopyFrom(ctx,
		pgx.Identifier{folder, "tellers"},
		[]string{"tid", "bid", "tbalance"},
		pgx.CopyFromRows(tellerRows(bid)),
	); err != nil {
		return fmt.Errorf("copying tellers: %w", err)
	}

	if _, err := m.pool.CopyFrom(ctx,
		pgx.Identifier{folder, "accounts"},
		[]string{"aid", "bid", "abalance"},
		pgx.CopyFromSlice(workload.AccountsPerBranch, func(i int) ([]any, error) {
			return accountRow(bid, i), nil
		}),
	); err != nil {
		return fmt.Errorf("copying accounts: %w", err)
	}

	return nil
}

// tellerRows builds the teller rows for one branch. Teller IDs are
// packed per branch: branch b owns tellers (b-1)*10+1 .. b*10.
func tellerRows(bid int) [][]any {
	rows := make([][]any, workload.TellersPerBranch)
	for i := range rows {
		rows[i] = []any{(bid-1)*workload.TellersPerBranch + i + 1, bid, 0}
	}

	return rows
}

// accountRow builds the i-th account row for one branch. Account IDs
// are packed per branch: branch b owns accounts (b-1)*100000+1 ..
// b*100000.
func accountRow(bid, i int) []any {
	aid := int64(bid-1)*workload.AccountsPerBranch + int64(i) + 1

	return []any{aid, bid, 0}
}
