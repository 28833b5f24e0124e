// Package job implements the per-worker execution loop: an unmeasured
// preheat phase up to a shared start time, then a measured phase bounded
// by either a transaction count or a wall-clock deadline.
package job

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DurationUnit selects how the measured phase is bounded.
type DurationUnit string

const (
	// UnitSeconds runs transactions until the wall clock passes
	// start time + duration.
	UnitSeconds DurationUnit = "seconds"

	// UnitTransactions runs exactly duration transactions.
	UnitTransactions DurationUnit = "transactions"
)

// ParseDurationUnit maps a config string to a DurationUnit.
func ParseDurationUnit(s string) (DurationUnit, error) {
	switch DurationUnit(s) {
	case UnitSeconds:
		return UnitSeconds, nil
	case UnitTransactions:
		return UnitTransactions, nil
	default:
		return "", fmt.Errorf("unknown duration unit %q (use %q or %q)", s, UnitSeconds, UnitTransactions)
	}
}

// preheatIteration marks transactions whose metrics are discarded.
const preheatIteration = -1

// Config for one job.
type Config struct {
	// BidFrom and BidTo bound the branch IDs this job draws from,
	// both inclusive.
	BidFrom int
	BidTo   int

	// WorkloadStartTime is the shared instant at which every job
	// switches from preheat to the measured phase.
	WorkloadStartTime time.Time

	// Duration is a transaction count or a number of seconds,
	// depending on DurationUnit.
	Duration     int
	DurationUnit DurationUnit

	// SingleSession holds one session for the whole measured phase
	// instead of acquiring one per transaction.
	SingleSession bool

	// Limiter throttles the combined transaction rate when shared
	// between jobs. Nil means unlimited.
	Limiter *rate.Limiter

	// Seed for the job's private random source. Zero seeds from the
	// current time.
	Seed int64
}

// Job drives randomized transactions through a session pool and records
// the measured phase's outcomes into its own collector.
type Job struct {
	log       logrus.FieldLogger
	cfg       *Config
	selector  *workload.Selector
	pool      db.Pool
	collector *metrics.Collector
	rnd       *rand.Rand
	measured  atomic.Int64
}

// New creates a job. The selector may be shared between jobs; the
// collector must be exclusive to this job.
func New(
	log logrus.FieldLogger,
	cfg *Config,
	selector *workload.Selector,
	pool db.Pool,
	collector *metrics.Collector,
) *Job {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Job{
		log: log.WithField("component", "job").
			WithField("range", fmt.Sprintf("[%d, %d]", cfg.BidFrom, cfg.BidTo)),
		cfg:       cfg,
		selector:  selector,
		pool:      pool,
		collector: collector,
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

// Collector returns the job's metrics collector.
func (j *Job) Collector() *metrics.Collector {
	return j.collector
}

// MeasuredCount reports how many measured samples the job has recorded
// so far. Safe to call while the job is running.
func (j *Job) MeasuredCount() int64 {
	return j.measured.Load()
}

// Run executes the preheat phase followed by the measured phase. Per
// transaction failures are recorded and do not abort the loop; Run
// returns an error only when the context is canceled.
func (j *Job) Run(ctx context.Context) error {
	if err := j.preheat(ctx); err != nil {
		return err
	}

	if j.cfg.SingleSession {
		return j.runSingleSession(ctx)
	}

	return j.runPooled(ctx)
}

// preheat executes transactions without recording them until the shared
// start time. Both session modes preheat through the pool's retry
// wrapper. The start check happens only between transactions, so the
// measured phase begins at most one transaction's latency late.
func (j *Job) preheat(ctx context.Context) error {
	j.log.Info("Preheat started")

	for time.Now().Before(j.cfg.WorkloadStartTime) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := j.waitLimiter(ctx); err != nil {
			return err
		}

		if err := j.executeWithRetry(ctx, preheatIteration); err != nil {
			j.log.WithError(err).Error("Retry limit exceeded")
		}
	}

	j.log.Info("Preheat completed")

	return nil
}

// runPooled acquires a session per transaction through the pool's retry
// wrapper. A transaction whose retry budget is exhausted is logged,
// surfaced as an unhandled error, and the loop moves on.
func (j *Job) runPooled(ctx context.Context) error {
	j.log.Info("Workload started")

	err := j.measuredLoop(ctx, func(iteration int) {
		if err := j.executeWithRetry(ctx, iteration); err != nil {
			j.log.WithError(err).Error("Retry limit exceeded")
			j.collector.RecordUnhandledError(err.Error())
		}
	})
	if err != nil {
		return err
	}

	j.log.Info("Workload completed")

	return nil
}

// runSingleSession holds one session for the entire measured phase.
// Failures are recorded per transaction; there is no retry in this mode.
func (j *Job) runSingleSession(ctx context.Context) error {
	j.log.Info("Workload started")

	session, err := j.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring session: %w", err)
	}
	defer j.pool.Release(session)

	err = j.measuredLoop(ctx, func(iteration int) {
		// The error is already recorded in the collector.
		_ = j.executeOnce(ctx, session, iteration)
	})
	if err != nil {
		return err
	}

	j.log.Info("Workload completed")

	return nil
}

// measuredLoop drives run once per measured slot according to the
// configured duration unit. Deadlines and cancellation are checked only
// between transactions, never mid-flight.
func (j *Job) measuredLoop(ctx context.Context, run func(iteration int)) error {
	switch j.cfg.DurationUnit {
	case UnitTransactions:
		for i := 0; i < j.cfg.Duration; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := j.waitLimiter(ctx); err != nil {
				return err
			}

			run(i)
		}
	case UnitSeconds:
		deadline := j.cfg.WorkloadStartTime.Add(time.Duration(j.cfg.Duration) * time.Second)

		for i := 0; time.Now().Before(deadline); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := j.waitLimiter(ctx); err != nil {
				return err
			}

			run(i)
		}
	default:
		return fmt.Errorf("unknown duration unit %q", j.cfg.DurationUnit)
	}

	return nil
}

// waitLimiter blocks until the shared rate limiter admits the next
// transaction.
func (j *Job) waitLimiter(ctx context.Context) error {
	if j.cfg.Limiter == nil {
		return nil
	}

	return j.cfg.Limiter.Wait(ctx)
}

// executeWithRetry runs one transaction through the pool's retry
// wrapper; every attempt records its own sample when measured.
func (j *Job) executeWithRetry(ctx context.Context, iteration int) error {
	return j.pool.ExecuteWithRetry(ctx, func(ctx context.Context, s db.Session) error {
		return j.executeOnce(ctx, s, iteration)
	})
}

// executeOnce selects a script, derives its parameters, executes it as a
// single transaction and records the outcome. Preheat iterations are
// executed but not recorded. The error is returned so a retry wrapper
// can decide whether to re-run the attempt.
func (j *Job) executeOnce(ctx context.Context, session db.Session, iteration int) error {
	script := j.selector.Select(j.rnd)
	args := j.buildArgs(script, iteration)

	start := time.Now()
	stats, err := session.RunScript(ctx, script.Statements, args)
	end := time.Now()

	if iteration >= 0 {
		m := metrics.TransactionMetrics{
			Filepath:         script.Filepath,
			StartTime:        start,
			EndTime:          end,
			Success:          err == nil,
			ServerDurationUS: stats.DurationUS,
			ServerCPUTimeUS:  stats.CPUTimeUS,
		}
		if err != nil {
			m.ErrorMessage = err.Error()
		}

		j.collector.Record(m)
		j.measured.Add(1)
	}

	return err
}

// buildArgs derives the transaction's randomized parameters, binding
// only those the script references.
func (j *Job) buildArgs(script *workload.Script, iteration int) db.Args {
	bid := j.randRange(j.cfg.BidFrom, j.cfg.BidTo)
	tid := (bid-1)*workload.TellersPerBranch + j.randRange(1, workload.TellersPerBranch)
	aid := (bid-1)*workload.AccountsPerBranch + j.randRange(1, workload.AccountsPerBranch)
	delta := j.randRange(1, workload.MaxDelta)

	args := make(db.Args, 5)

	if script.UsesBid {
		args[workload.ParamBid] = bid
	}

	if script.UsesTid {
		args[workload.ParamTid] = tid
	}

	if script.UsesAid {
		args[workload.ParamAid] = aid
	}

	if script.UsesDelta {
		args[workload.ParamDelta] = delta
	}

	if script.UsesIteration {
		args[workload.ParamIteration] = iteration
	}

	return args
}

// randRange returns a uniform random int in [from, to], both inclusive.
func (j *Job) randRange(from, to int) int {
	if from >= to {
		return from
	}

	return from + j.rnd.Intn(to-from+1)
}
