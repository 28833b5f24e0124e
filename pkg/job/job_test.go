package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/perfforge/tpcbench/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type call struct {
	args      db.Args
	statement string
}

// fakeSession records every execution and fails the calls whose
// 1-based index is listed in failOn.
type fakeSession struct {
	mu      sync.Mutex
	calls   []call
	failOn  map[int]error
	latency time.Duration
	stats   db.ServerStats
}

func (s *fakeSession) RunScript(_ context.Context, stmts []workload.Statement, args db.Args) (db.ServerStats, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call{args: args, statement: stmts[0].SQL})

	if err, ok := s.failOn[len(s.calls)]; ok {
		return db.ServerStats{}, err
	}

	return s.stats, nil
}

func (s *fakeSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

func (s *fakeSession) callArgs() []db.Args {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.Args, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.args
	}

	return out
}

// fakePool hands out a single shared session and retries failed
// operations up to attempts times, mirroring the real pool's wrapper.
type fakePool struct {
	mu       sync.Mutex
	session  *fakeSession
	attempts int
	acquires int
	releases int
}

func newFakePool(session *fakeSession) *fakePool {
	return &fakePool{session: session, attempts: 3}
}

func (p *fakePool) Start(_ context.Context) error { return nil }
func (p *fakePool) Stop() error                   { return nil }

func (p *fakePool) Acquire(_ context.Context) (db.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires++

	return p.session, nil
}

func (p *fakePool) Release(_ db.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releases++
}

func (p *fakePool) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context, s db.Session) error) error {
	var lastErr error

	for i := 0; i < p.attempts; i++ {
		s, err := p.Acquire(ctx)
		if err != nil {
			return err
		}

		err = op(ctx, s)

		p.Release(s)

		if err == nil {
			return nil
		}

		lastErr = err
	}

	return lastErr
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func tpcbSelector(t *testing.T) *workload.Selector {
	t.Helper()

	script, err := workload.Builtin("tpcb", 1, "pgbench")
	require.NoError(t, err)

	selector, err := workload.NewSelector([]*workload.Script{script})
	require.NoError(t, err)

	return selector
}

func TestJob_TransactionCount(t *testing.T) {
	session := &fakeSession{stats: db.ServerStats{DurationUS: 1000, CPUTimeUS: 900}}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          5,
		DurationUnit:      UnitTransactions,
		Seed:              42,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	require.Equal(t, 5, session.callCount())
	require.Equal(t, 5, collector.Len())
	assert.Equal(t, 5, pool.acquires)
	assert.Equal(t, 5, pool.releases)

	for i, args := range session.callArgs() {
		assert.Equal(t, 1, args[workload.ParamBid])

		tid, ok := args[workload.ParamTid].(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, tid, 1)
		assert.LessOrEqual(t, tid, workload.TellersPerBranch)

		aid, ok := args[workload.ParamAid].(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, aid, 1)
		assert.LessOrEqual(t, aid, workload.AccountsPerBranch)

		delta, ok := args[workload.ParamDelta].(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, delta, 1)
		assert.LessOrEqual(t, delta, workload.MaxDelta)

		assert.NotContains(t, args, workload.ParamIteration, "call %d", i)
	}

	for _, m := range collector.Transactions {
		assert.Equal(t, "<builtin:tpcb>", m.Filepath)
		assert.True(t, m.Success)
		assert.Empty(t, m.ErrorMessage)
		assert.Equal(t, int64(1000), m.ServerDurationUS)
		assert.Equal(t, int64(900), m.ServerCPUTimeUS)
		assert.False(t, m.EndTime.Before(m.StartTime))
	}
}

func TestJob_BidStaysInRange(t *testing.T) {
	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           34,
		BidTo:             67,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          200,
		DurationUnit:      UnitTransactions,
		Seed:              7,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	for _, args := range session.callArgs() {
		bid, ok := args[workload.ParamBid].(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, bid, 34)
		assert.LessOrEqual(t, bid, 67)

		tid := args[workload.ParamTid].(int)
		assert.GreaterOrEqual(t, tid, (bid-1)*workload.TellersPerBranch+1)
		assert.LessOrEqual(t, tid, bid*workload.TellersPerBranch)

		aid := args[workload.ParamAid].(int)
		assert.GreaterOrEqual(t, aid, (bid-1)*workload.AccountsPerBranch+1)
		assert.LessOrEqual(t, aid, bid*workload.AccountsPerBranch)
	}
}

func TestJob_PreheatNotRecorded(t *testing.T) {
	session := &fakeSession{latency: 2 * time.Millisecond}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             10,
		WorkloadStartTime: time.Now().Add(30 * time.Millisecond),
		Duration:          3,
		DurationUnit:      UnitTransactions,
		Seed:              1,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	assert.Greater(t, session.callCount(), 3, "preheat should have executed transactions")
	assert.Equal(t, 3, collector.Len(), "only measured transactions are recorded")
}

func TestJob_WallClockExpired(t *testing.T) {
	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             10,
		WorkloadStartTime: time.Now().Add(-2 * time.Second),
		Duration:          1,
		DurationUnit:      UnitSeconds,
		Seed:              1,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, 0, session.callCount())
	assert.Equal(t, 0, collector.Len())
}

func TestJob_WallClockRunsUntilDeadline(t *testing.T) {
	session := &fakeSession{latency: time.Millisecond}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             10,
		WorkloadStartTime: time.Now().Add(-900 * time.Millisecond),
		Duration:          1,
		DurationUnit:      UnitSeconds,
		Seed:              1,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	assert.Greater(t, collector.Len(), 0)
	assert.Equal(t, session.callCount(), collector.Len())
}

func TestJob_SingleSessionAcquiresOnce(t *testing.T) {
	session := &fakeSession{
		failOn: map[int]error{2: errors.New("lock conflict")},
	}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom: 1,
		BidTo:   1,
		// Start in the past so no preheat transactions run.
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          4,
		DurationUnit:      UnitTransactions,
		SingleSession:     true,
		Seed:              9,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, 1, pool.acquires)
	assert.Equal(t, 1, pool.releases)
	require.Equal(t, 4, collector.Len())

	var failed int

	for _, m := range collector.Transactions {
		if !m.Success {
			failed++

			assert.Equal(t, "lock conflict", m.ErrorMessage)
		}
	}

	assert.Equal(t, 1, failed, "the failed transaction is recorded and the loop continues")
}

func TestJob_PooledRecordsEveryAttempt(t *testing.T) {
	session := &fakeSession{
		failOn: map[int]error{1: errors.New("connection reset")},
	}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          1,
		DurationUnit:      UnitTransactions,
		Seed:              3,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	require.Equal(t, 2, collector.Len(), "failed attempt and its retry are both recorded")
	assert.False(t, collector.Transactions[0].Success)
	assert.Equal(t, "connection reset", collector.Transactions[0].ErrorMessage)
	assert.True(t, collector.Transactions[1].Success)
	assert.Empty(t, collector.UnhandledErrors)
}

func TestJob_RetryExhaustionSurfaced(t *testing.T) {
	session := &fakeSession{
		failOn: map[int]error{
			1: errors.New("connection reset"),
			2: errors.New("connection reset"),
			3: errors.New("connection reset"),
		},
	}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          1,
		DurationUnit:      UnitTransactions,
		Seed:              3,
	}, tpcbSelector(t), pool, collector)

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, 3, collector.Len(), "every attempt is recorded")
	require.Len(t, collector.UnhandledErrors, 1)
	assert.Equal(t, "connection reset", collector.UnhandledErrors[0])
}

func TestJob_CanceledContext(t *testing.T) {
	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(time.Hour),
		Duration:          5,
		DurationUnit:      UnitTransactions,
		Seed:              1,
	}, tpcbSelector(t), pool, collector)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := j.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, collector.Len())
}

func TestJob_MeasuredCount(t *testing.T) {
	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          7,
		DurationUnit:      UnitTransactions,
		Seed:              2,
	}, tpcbSelector(t), pool, collector)

	assert.Zero(t, j.MeasuredCount())
	require.NoError(t, j.Run(context.Background()))
	assert.EqualValues(t, collector.Len(), j.MeasuredCount())
}

func TestJob_RateLimiter(t *testing.T) {
	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          3,
		DurationUnit:      UnitTransactions,
		Limiter:           rate.NewLimiter(50, 1),
		Seed:              2,
	}, tpcbSelector(t), pool, collector)

	start := time.Now()
	require.NoError(t, j.Run(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"three transactions at 50/s need at least two full intervals")
	assert.Equal(t, 3, collector.Len())
}

func TestParseDurationUnit(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DurationUnit
		wantErr bool
	}{
		{name: "seconds", input: "seconds", want: UnitSeconds},
		{name: "transactions", input: "transactions", want: UnitTransactions},
		{name: "unknown", input: "minutes", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseDurationUnit(test.input)
			if test.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestJob_IterationParameterBound(t *testing.T) {
	script, err := workload.NewScript("iter.sql",
		"INSERT INTO {{TABLES}}.history (mtime, iteration) VALUES (now(), :iteration)", 1, "pgbench")
	require.NoError(t, err)

	selector, err := workload.NewSelector([]*workload.Script{script})
	require.NoError(t, err)

	session := &fakeSession{}
	pool := newFakePool(session)
	collector := metrics.NewCollector()

	j := New(testLogger(), &Config{
		BidFrom:           1,
		BidTo:             1,
		WorkloadStartTime: time.Now().Add(-time.Second),
		Duration:          3,
		DurationUnit:      UnitTransactions,
		Seed:              5,
	}, selector, pool, collector)

	require.NoError(t, j.Run(context.Background()))

	args := session.callArgs()
	require.Len(t, args, 3)

	for i, a := range args {
		assert.Equal(t, i, a[workload.ParamIteration])
		assert.NotContains(t, a, workload.ParamBid)
		assert.NotContains(t, a, workload.ParamTid)
		assert.NotContains(t, a, workload.ParamAid)
		assert.NotContains(t, a, workload.ParamDelta)
	}
}
