package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is used when the endpoint carries no port.
	DefaultPort = "5432"

	// DefaultPoolSize is the default maximum number of pooled connections.
	DefaultPoolSize = 10

	// DefaultConnectTimeout bounds the initial connect and ping.
	DefaultConnectTimeout = 10 * time.Second
)

// Config for the pgx-backed session pool.
type Config struct {
	// Endpoint is "host" or "host:port".
	Endpoint string
	Database string
	User     string
	Password string

	// RootCert is a path to a PEM CA bundle; TLS is enabled when set.
	RootCert string

	// PoolSize caps concurrent connections. Zero means DefaultPoolSize.
	PoolSize int

	Retry RetryConfig
}

// NewPool creates a session pool over a PostgreSQL-protocol endpoint.
func NewPool(log logrus.FieldLogger, cfg *Config) Pool {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	cfg.Retry.applyDefaults()

	return &pgxPool{
		log: log.WithField("component", "db"),
		cfg: cfg,
	}
}

type pgxPool struct {
	log  logrus.FieldLogger
	cfg  *Config
	pool *pgxpool.Pool
}

var _ Pool = (*pgxPool)(nil)

// Connect opens a raw connection pool and verifies connectivity. Used
// by the session pool and for administrative work such as schema
// management. The caller owns the returned pool.
func Connect(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// Start establishes the connection pool and verifies connectivity.
func (p *pgxPool) Start(ctx context.Context) error {
	pool, err := Connect(ctx, p.cfg)
	if err != nil {
		return err
	}

	p.pool = pool

	p.log.WithFields(logrus.Fields{
		"endpoint": p.cfg.Endpoint,
		"database": p.cfg.Database,
		"pool":     p.cfg.PoolSize,
	}).Debug("Connected")

	return nil
}

// Stop closes the connection pool.
func (p *pgxPool) Stop() error {
	if p.pool != nil {
		p.pool.Close()
	}

	return nil
}

func poolConfig(cfg *Config) (*pgxpool.Config, error) {
	host, port, err := splitEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	parts := []string{
		"host=" + host,
		"port=" + port,
		"dbname=" + cfg.Database,
	}

	if cfg.User != "" {
		parts = append(parts, "user="+cfg.User)
	}

	if cfg.Password != "" {
		parts = append(parts, "password="+cfg.Password)
	}

	poolCfg, err := pgxpool.ParseConfig(strings.Join(parts, " "))
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PoolSize)

	if cfg.RootCert != "" {
		tlsCfg, err := rootCertTLS(cfg.RootCert, host)
		if err != nil {
			return nil, err
		}

		poolCfg.ConnConfig.TLSConfig = tlsCfg
	}

	return poolCfg, nil
}

// splitEndpoint splits "host:port", defaulting the port when absent.
func splitEndpoint(endpoint string) (string, string, error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("endpoint is required")
	}

	if !strings.Contains(endpoint, ":") {
		return endpoint, DefaultPort, nil
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	return host, port, nil
}

// rootCertTLS builds a TLS config trusting the given CA bundle.
func rootCertTLS(path, host string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading root certificate: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("root certificate %q contains no valid certificates", path)
	}

	return &tls.Config{
		RootCAs:    roots,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Acquire checks a session out of the pool.
func (p *pgxPool) Acquire(ctx context.Context) (Session, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("pool is not started")
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	return &pgxSession{conn: conn}, nil
}

// Release returns a session to the pool.
func (p *pgxPool) Release(s Session) {
	if ps, ok := s.(*pgxSession); ok && ps.conn != nil {
		ps.conn.Release()
		ps.conn = nil
	}
}

type pgxSession struct {
	conn *pgxpool.Conn
}

var _ Session = (*pgxSession)(nil)

// RunScript executes the statements inside one transaction, draining all
// result rows. The PostgreSQL wire protocol reports no per-query server
// timing, so the returned stats are zero.
func (s *pgxSession) RunScript(ctx context.Context, stmts []workload.Statement, args Args) (ServerStats, error) {
	var stats ServerStats

	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, fmt.Errorf("beginning transaction: %w", err)
	}

	for i, stmt := range stmts {
		if err := runStatement(ctx, tx, stmt, args); err != nil {
			_ = tx.Rollback(ctx)

			return stats, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("committing transaction: %w", err)
	}

	return stats, nil
}

// runStatement executes one statement and drains its rows.
func runStatement(ctx context.Context, tx pgx.Tx, stmt workload.Statement, args Args) error {
	vals := make([]any, 0, len(stmt.Params))

	for _, name := range stmt.Params {
		v, ok := args[name]
		if !ok {
			return fmt.Errorf("missing bind parameter %q", name)
		}

		vals = append(vals, v)
	}

	rows, err := tx.Query(ctx, stmt.SQL, vals...)
	if err != nil {
		return err
	}

	for rows.Next() {
	}

	rows.Close()

	return rows.Err()
}
