package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/history"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func testStore(t *testing.T) history.Store {
	t.Helper()

	store := history.NewStore(testLogger(), &config.HistoryConfig{
		Enabled: true,
		Driver:  "sqlite",
		SQLite:  config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() { _ = store.Stop() })

	return store
}

func seedRuns(t *testing.T, store history.Store, n int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		runID := fmt.Sprintf("run-%d", i)
		require.NoError(t, store.RecordRun(context.Background(), &history.Run{
			RunID:             runID,
			StartedAt:         int64(1700000000 + i*60),
			FinishedAt:        int64(1700000000 + i*60 + 30),
			Endpoint:          "db.example.com:5432",
			Database:          "bench",
			TotalTransactions: 100 * i,
			TPS:               float64(10 * i),
			ReportJSON:        fmt.Sprintf(`{"run_id":%q}`, runID),
		}))
	}
}

func testRouter(t *testing.T, cfg *config.ServerConfig, store history.Store) http.Handler {
	t.Helper()

	s := &server{log: testLogger(), cfg: cfg, store: store}

	return s.buildRouter()
}

func TestHandleHealth(t *testing.T) {
	router := testRouter(t, &config.ServerConfig{}, testStore(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleListRuns(t *testing.T) {
	store := testStore(t)
	seedRuns(t, store, 3)

	router := testRouter(t, &config.ServerConfig{}, store)

	t.Run("lists newest first", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Runs  []history.Run `json:"runs"`
			Count int           `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, "run-3", resp.Runs[0].RunID)
		assert.Equal(t, "run-1", resp.Runs[2].RunID)
	})

	t.Run("respects limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=1", nil))

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=all", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetRun(t *testing.T) {
	store := testStore(t)
	seedRuns(t, store, 2)

	router := testRouter(t, &config.ServerConfig{}, store)

	t.Run("returns run with report", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-2", nil))

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Run    history.Run     `json:"run"`
			Report json.RawMessage `json:"report"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-2", resp.Run.RunID)
		assert.JSONEq(t, `{"run_id":"run-2"}`, string(resp.Report))
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleDeleteRun(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	authCfg := &config.ServerConfig{
		Auth: config.AdminAuthConfig{
			Username:     "admin",
			PasswordHash: string(hash),
		},
	}

	t.Run("disabled without password hash", func(t *testing.T) {
		store := testStore(t)
		seedRuns(t, store, 1)

		router := testRouter(t, &config.ServerConfig{}, store)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/runs/run-1", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("rejects wrong credentials", func(t *testing.T) {
		store := testStore(t)
		seedRuns(t, store, 1)

		router := testRouter(t, authCfg, store)

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/runs/run-1", nil)
		req.SetBasicAuth("admin", "wrong")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("deletes with valid credentials", func(t *testing.T) {
		store := testStore(t)
		seedRuns(t, store, 1)

		router := testRouter(t, authCfg, store)

		req := httptest.NewRequest(http.MethodDelete, "/api/v1/runs/run-1", nil)
		req.SetBasicAuth("admin", "secret")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
