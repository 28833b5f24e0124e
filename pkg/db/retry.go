package db

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// DefaultRetryAttempts is the per-transaction retry budget.
	DefaultRetryAttempts = 10

	// DefaultRetryDelay is the initial backoff delay between attempts.
	DefaultRetryDelay = 20 * time.Millisecond

	// DefaultRetryMaxDelay caps the backoff delay.
	DefaultRetryMaxDelay = 1 * time.Second
)

// RetryConfig tunes the pool's per-transaction retry wrapper.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.Attempts == 0 {
		c.Attempts = DefaultRetryAttempts
	}

	if c.Delay == 0 {
		c.Delay = DefaultRetryDelay
	}

	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}
}

// ExecuteWithRetry acquires a fresh session per attempt and retries op on
// transient failures with exponential backoff. Whole transactions are
// assumed idempotent-safe to re-run.
func (p *pgxPool) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context, s Session) error) error {
	return retry.Do(
		func() error {
			s, err := p.Acquire(ctx)
			if err != nil {
				return err
			}
			defer p.Release(s)

			return op(ctx, s)
		},
		retry.Context(ctx),
		retry.Attempts(p.cfg.Retry.Attempts),
		retry.Delay(p.cfg.Retry.Delay),
		retry.MaxDelay(p.cfg.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Retryable),
	)
}

// Retryable reports whether an error is transient: serialization and
// deadlock failures, connection-class errors, resource exhaustion, or
// network errors. Context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"): // serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "53300": // too_many_connections
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		}

		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
