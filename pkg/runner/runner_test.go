package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSession always succeeds and reports fixed server timing.
type stubSession struct{}

func (s *stubSession) RunScript(_ context.Context, _ []workload.Statement, _ db.Args) (db.ServerStats, error) {
	return db.ServerStats{DurationUS: 800, CPUTimeUS: 600}, nil
}

// stubPool hands out stub sessions without a database behind them.
type stubPool struct {
	started bool
	stopped bool
}

var _ db.Pool = (*stubPool)(nil)

func (p *stubPool) Start(context.Context) error { p.started = true; return nil }

func (p *stubPool) Stop() error { p.stopped = true; return nil }

func (p *stubPool) Acquire(context.Context) (db.Session, error) {
	return &stubSession{}, nil
}

func (p *stubPool) Release(db.Session) {}

func (p *stubPool) ExecuteWithRetry(ctx context.Context, op func(context.Context, db.Session) error) error {
	return op(ctx, &stubSession{})
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func workerSpecFixture(jobs, transactions int) *WorkerSpec {
	return &WorkerSpec{
		Workload: config.WorkloadConfig{
			TableFolder:  "pgbench",
			Scripts:      []config.ScriptSpec{{Builtin: "tpcb", Weight: 1}},
			BidFrom:      1,
			BidTo:        10,
			Jobs:         jobs,
			Duration:     transactions,
			DurationUnit: "transactions",
		},
		WorkloadStartTime: time.Now(),
	}
}

func TestRunJobs(t *testing.T) {
	collector, err := RunJobs(context.Background(), quietLogger(), workerSpecFixture(2, 3), &stubPool{})
	require.NoError(t, err)

	assert.Equal(t, 6, collector.Len())

	summary := collector.Summarize(metrics.GroupOverall)
	assert.Equal(t, 6, summary.Succeeded)
	assert.Zero(t, summary.Failed)
}

func TestRunJobs_UnknownDurationUnit(t *testing.T) {
	spec := workerSpecFixture(1, 1)
	spec.Workload.DurationUnit = "minutes"

	_, err := RunJobs(context.Background(), quietLogger(), spec, &stubPool{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration unit")
}

func TestRunJobs_MissingScript(t *testing.T) {
	spec := workerSpecFixture(1, 1)
	spec.Workload.Scripts = []config.ScriptSpec{{Path: "nope.sql", Weight: 1}}
	spec.ScriptsDir = t.TempDir()

	_, err := RunJobs(context.Background(), quietLogger(), spec, &stubPool{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading scripts")
}

func TestRunJobs_CanceledKeepsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	collector, err := RunJobs(ctx, quietLogger(), workerSpecFixture(2, 1000), &stubPool{})
	require.NoError(t, err)
	assert.Zero(t, collector.Len())
}

func TestRunner_Run(t *testing.T) {
	resultsDir := t.TempDir()

	var out, errOut bytes.Buffer

	pool := &stubPool{}

	r := &runner{
		log: quietLogger(),
		cfg: &Config{
			Connection: config.ConnectionConfig{
				Endpoint: "db.example.com:5432",
				Database: "bench",
			},
			Workload: config.WorkloadConfig{
				TableFolder:  "pgbench",
				Scripts:      []config.ScriptSpec{{Builtin: "tpcb", Weight: 1}},
				BidFrom:      1,
				BidTo:        10,
				Jobs:         1,
				Processes:    1,
				Duration:     2,
				DurationUnit: "transactions",
			},
			ResultsDir: resultsDir,
		},
		newPool: func(logrus.FieldLogger, *db.Config) db.Pool { return pool },
		out:     &out,
		errOut:  &errOut,
	}

	require.NoError(t, r.Start(context.Background()))

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.NotEmpty(t, report.RunID)

	overall := report.Overall()
	require.NotNil(t, overall)
	assert.Equal(t, metrics.GroupOverall, overall.Group)
	assert.Equal(t, 2, overall.TotalTransactions)
	assert.Equal(t, 2, overall.Succeeded)

	assert.Contains(t, out.String(), "PERFORMANCE METRICS")
	assert.Empty(t, errOut.String())

	// One run directory holding the report document.
	entries, err := os.ReadDir(resultsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), report.RunID)

	data, err := os.ReadFile(filepath.Join(resultsDir, entries[0].Name(), reportFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), report.RunID)

	assert.True(t, pool.started)
	assert.True(t, pool.stopped)

	require.NoError(t, r.Stop())
}
