package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func TestHealthEndpoint(t *testing.T) {
	s := New(audit.NewMemoryRecorder(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRunReturnsNotFoundForUnknownRun(t *testing.T) {
	s := New(audit.NewMemoryRecorder(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunReturnsRecordedRun(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	require.NoError(t, recorder.RecordRun(context.Background(), audit.RunRecord{
		RunID:     "run-1",
		Status:    "RUNNING",
		StartedAt: time.Now(),
	}))

	s := New(recorder, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body audit.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "RUNNING", body.Status)
}

func TestRunOutcomesTalliesByKind(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	ctx := context.Background()
	require.NoError(t, recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		OutcomeID: "o1", TokenID: "t1", RunID: "run-2", Outcome: "COMPLETED", IsTerminal: true,
	}))
	require.NoError(t, recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		OutcomeID: "o2", TokenID: "t2", RunID: "run-2", Outcome: "COMPLETED", IsTerminal: true,
	}))
	require.NoError(t, recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		OutcomeID: "o3", TokenID: "t3", RunID: "run-2", Outcome: "QUARANTINED", IsTerminal: true,
	}))

	s := New(recorder, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-2/outcomes", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 2, counts["COMPLETED"])
	assert.Equal(t, 1, counts["QUARANTINED"])
}
