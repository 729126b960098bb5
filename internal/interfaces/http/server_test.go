package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/store/memory"
)

var launched = time.Date(2026, 3, 2, 14, 15, 0, 0, time.UTC)

func seeded(t *testing.T) (*memory.Store, *memory.Locker) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveIndexState(ctx, domain.IndexState{BaseValue: 1000, Divisor: 500, CreatedAt: launched}))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendHistory(ctx, domain.IndexHistoryPoint{
			Timestamp:  launched.Add(time.Duration(i) * 30 * time.Minute),
			RawValue:   500000 + float64(i)*1000,
			IndexValue: 1000 + float64(i)*2,
		}))
	}
	require.NoError(t, st.SavePortfolio(ctx, domain.Portfolio{
		RunID:        "2026-03-02T14-15Z",
		CreatedAt:    launched,
		Constituents: []domain.RankedConstituent{{Symbol: "BTC", Rank: 1, Weight: 0.3}},
	}))

	lk := memory.NewLocker()
	require.NoError(t, lk.Acquire(ctx, domain.RebalanceLock{
		RunID:         "2026-03-02T14-15Z",
		RebalancedAt:  launched,
		NextAllowedAt: launched.Add(14 * 24 * time.Hour),
		State:         domain.LockCommitted,
	}, launched))
	return st, lk
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	st, lk := seeded(t)
	srv := NewServer(DefaultServerConfig(), st, lk, nil)

	rr := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	require.NotNil(t, resp.NextRebalance)
	assert.True(t, resp.NextRebalance.Equal(launched.Add(14*24*time.Hour)))
	assert.Contains(t, resp.Checks, "state_store")
}

func TestHistory(t *testing.T) {
	st, _ := seeded(t)
	srv := NewServer(DefaultServerConfig(), st, nil, nil)

	rr := get(t, srv.Handler(), "/api/index/history?limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "CRYP_INDEX", resp.Symbol)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, 1004.0, resp.Points[1].IndexValue)

	for _, bad := range []string{"0", "-1", "abc", "10001"} {
		rr = get(t, srv.Handler(), "/api/index/history?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
	}
}

func TestStateAndPortfolio(t *testing.T) {
	st, _ := seeded(t)
	srv := NewServer(DefaultServerConfig(), st, nil, nil)

	rr := get(t, srv.Handler(), "/api/index/state")
	require.Equal(t, http.StatusOK, rr.Code)
	var sr StateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sr))
	assert.Equal(t, 500.0, sr.State.Divisor)
	assert.Equal(t, 1004.0, sr.LastPoint.IndexValue)

	rr = get(t, srv.Handler(), "/api/portfolio")
	require.Equal(t, http.StatusOK, rr.Code)
	var p domain.Portfolio
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "BTC", p.Constituents[0].Symbol)
}

func TestEmptyStoreReturnsNotFound(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), memory.New(), nil, nil)

	for _, path := range []string{"/api/index/state", "/api/portfolio", "/nope"} {
		rr := get(t, srv.Handler(), path)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		var er ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &er))
		assert.NotEmpty(t, er.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordIndex(500000, 1000, 500)
	srv := NewServer(DefaultServerConfig(), memory.New(), nil, reg)

	rr := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "1000"))
}
