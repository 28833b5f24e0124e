package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/history"
)

func setupTestStore(t *testing.T) history.Store {
	t.Helper()

	cfg := &config.HistoryConfig{
		Enabled: true,
		Driver:  "sqlite",
		SQLite:  config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := history.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testRun(runID string, startedAt int64) *history.Run {
	return &history.Run{
		RunID:                  runID,
		StartedAt:              startedAt,
		FinishedAt:             startedAt + 60,
		Endpoint:               "db.example.com:5432",
		Database:               "bench",
		TotalTransactions:      1000,
		SuccessfulTransactions: 990,
		FailedTransactions:     10,
		TPS:                    16.5,
		AvgLatencyMS:           12.3,
		P95LatencyMS:           40.1,
		ReportJSON:             `{"run_id":"` + runID + `"}`,
	}
}

func TestStore_RecordAndListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()

	require.NoError(t, s.RecordRun(ctx, testRun("run-1", now)))
	require.NoError(t, s.RecordRun(ctx, testRun("run-2", now+10)))
	require.NoError(t, s.RecordRun(ctx, testRun("run-3", now+20)))

	// Newest first.
	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].RunID)
	assert.Equal(t, "run-1", runs[2].RunID)

	// Limit trims the listing.
	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].RunID)
	assert.Equal(t, "run-2", runs[1].RunID)
}

func TestStore_RecordRunIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", time.Now().Unix())
	require.NoError(t, s.RecordRun(ctx, run))

	// Recording the same run ID again updates instead of duplicating.
	updated := testRun("run-1", run.StartedAt)
	updated.TPS = 20.0
	require.NoError(t, s.RecordRun(ctx, updated))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.InDelta(t, 20.0, runs[0].TPS, 0.001)
}

func TestStore_GetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, testRun("run-1", time.Now().Unix())))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "bench", run.Database)
	assert.Equal(t, 990, run.SuccessfulTransactions)
	assert.Contains(t, run.ReportJSON, "run-1")

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestStore_DeleteRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, testRun("run-1", time.Now().Unix())))
	require.NoError(t, s.DeleteRun(ctx, "run-1"))

	_, err := s.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, history.ErrNotFound)

	assert.ErrorIs(t, s.DeleteRun(ctx, "run-1"), history.ErrNotFound)
}
