// Package runner orchestrates benchmark runs: it fans the configured
// branch range out over worker processes and concurrent jobs, merges
// their metrics and writes the run report.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/fsutil"
	"github.com/perfforge/tpcbench/pkg/history"
	"github.com/perfforge/tpcbench/pkg/job"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/perfforge/tpcbench/pkg/sysinfo"
	"github.com/perfforge/tpcbench/pkg/upload"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runner executes benchmark runs.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes one benchmark run, prints its summary and writes the
	// run report. Partial results survive a context cancellation.
	Run(ctx context.Context) (*Report, error)
}

// Config for the runner.
type Config struct {
	Connection config.ConnectionConfig
	Workload   config.WorkloadConfig
	ResultsDir string

	// ScriptsDir is the directory relative script paths resolve
	// against, usually the config file's directory.
	ScriptsDir string

	// Owner is applied to result files when set, for runs executed as
	// root.
	Owner *fsutil.OwnerConfig

	// Settings is embedded in the run report for provenance. Secrets
	// are stripped by the config types' JSON tags.
	Settings *config.Config
}

// NewRunner creates a new runner. The history store and uploader may be
// nil; both must already be started by the caller.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	store history.Store,
	uploader upload.Uploader,
) Runner {
	return &runner{
		log:      log.WithField("component", "runner"),
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		newPool:  db.NewPool,
		out:      os.Stdout,
		errOut:   os.Stderr,
	}
}

type runner struct {
	log      logrus.FieldLogger
	cfg      *Config
	store    history.Store
	uploader upload.Uploader
	newPool  func(log logrus.FieldLogger, cfg *db.Config) db.Pool
	out      io.Writer
	errOut   io.Writer
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start initializes the runner.
func (r *runner) Start(_ context.Context) error {
	if err := fsutil.MkdirAll(r.cfg.ResultsDir, 0o755, r.cfg.Owner); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	r.log.Debug("Runner started")

	return nil
}

// Stop cleans up the runner.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// Run executes one benchmark run.
func (r *runner) Run(ctx context.Context) (*Report, error) {
	w := &r.cfg.Workload

	runID := generateShortID()
	startedAt := time.Now()

	runDir := filepath.Join(r.cfg.ResultsDir, fmt.Sprintf("%d_%s", startedAt.Unix(), runID))
	if err := fsutil.MkdirAll(runDir, 0o755, r.cfg.Owner); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	log := r.log.WithField("run_id", runID)
	log.WithFields(logrus.Fields{
		"bid_from":      w.BidFrom,
		"bid_to":        w.BidTo,
		"processes":     w.Processes,
		"jobs":          w.Jobs,
		"duration":      w.Duration,
		"duration_unit": w.DurationUnit,
	}).Info("Starting benchmark run")

	system := sysinfo.Collect(ctx, log)

	workloadStart := time.Now().Add(time.Duration(w.PreheatSeconds) * time.Second)

	var (
		collector *metrics.Collector
		err       error
	)

	if w.Processes > 1 {
		collector, err = r.runWorkers(ctx, log, workloadStart)
	} else {
		collector, err = r.runLocal(ctx, log, workloadStart)
	}

	if err != nil {
		return nil, err
	}

	finishedAt := time.Now()

	collector.PrintSummary(r.out, r.errOut)

	report := r.buildReport(runID, startedAt, finishedAt, system, collector)
	if err := report.Write(runDir, r.cfg.Owner); err != nil {
		return nil, err
	}

	log.WithField("dir", runDir).Info("Run report written")

	if r.store != nil {
		if err := r.store.RecordRun(ctx, historyRecord(report, &r.cfg.Connection)); err != nil {
			log.WithError(err).Warn("Failed to record run history")
		}
	}

	if r.uploader != nil {
		if err := r.uploader.Upload(ctx, runDir); err != nil {
			log.WithError(err).Warn("Failed to upload run results")
		}
	}

	log.Info("Benchmark run completed")

	return report, nil
}

// runLocal executes all jobs inside this process.
func (r *runner) runLocal(
	ctx context.Context,
	log logrus.FieldLogger,
	workloadStart time.Time,
) (*metrics.Collector, error) {
	spec := r.workerSpec(0, BranchRange{From: r.cfg.Workload.BidFrom, To: r.cfg.Workload.BidTo}, workloadStart)

	dbCfg, err := spec.DBConfig()
	if err != nil {
		return nil, err
	}

	pool := r.newPool(log, dbCfg)
	if err := pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting session pool: %w", err)
	}

	defer func() {
		if err := pool.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop session pool")
		}
	}()

	return RunJobs(ctx, log, spec, pool)
}

// RunJobs executes the spec's jobs against an already started pool and
// returns their merged metrics. Worker processes call this directly. A
// context cancellation stops the jobs cleanly and keeps what they
// measured so far.
func RunJobs(
	ctx context.Context,
	log logrus.FieldLogger,
	spec *WorkerSpec,
	pool db.Pool,
) (*metrics.Collector, error) {
	unit, err := job.ParseDurationUnit(spec.Workload.DurationUnit)
	if err != nil {
		return nil, err
	}

	scripts, err := spec.Workload.BuildScripts(spec.ScriptsDir)
	if err != nil {
		return nil, fmt.Errorf("loading scripts: %w", err)
	}

	selector, err := workload.NewSelector(scripts)
	if err != nil {
		return nil, fmt.Errorf("building script selector: %w", err)
	}

	var limiter *rate.Limiter
	if spec.Workload.MaxRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(spec.Workload.MaxRate), 1)
	}

	jobs := make([]*job.Job, spec.Workload.Jobs)

	for i := range jobs {
		seed := spec.Workload.Seed
		if seed != 0 {
			seed += int64(spec.WorkerIndex)*int64(spec.Workload.Jobs) + int64(i)
		}

		jobs[i] = job.New(log, &job.Config{
			BidFrom:           spec.Workload.BidFrom,
			BidTo:             spec.Workload.BidTo,
			WorkloadStartTime: spec.WorkloadStartTime,
			Duration:          spec.Workload.Duration,
			DurationUnit:      unit,
			SingleSession:     spec.Workload.SingleSession,
			Limiter:           limiter,
			Seed:              seed,
		}, selector, pool, metrics.NewCollector())
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, jb := range jobs {
		jb := jb
		g.Go(func() error {
			return jb.Run(gctx)
		})
	}

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(spec.Workload.ProgressDuration())
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var total int64
				for _, jb := range jobs {
					total += jb.MeasuredCount()
				}

				log.WithField("transactions", total).Info("Benchmark progress")
			}
		}
	}()

	err = g.Wait()

	close(done)

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("running jobs: %w", err)
		}

		log.Info("Benchmark interrupted, keeping partial results")
	}

	merged := metrics.NewCollector()
	for _, jb := range jobs {
		merged.Merge(jb.Collector())
	}

	return merged, nil
}

// generateShortID generates a short random hex ID (8 characters).
func generateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return hex.EncodeToString(b)
}
