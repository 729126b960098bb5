package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/domain"
)

var ts = time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC)

func TestStore_IndexStateRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	st, err := s.LoadIndexState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	want := domain.IndexState{BaseValue: 1000, Divisor: 500, CreatedAt: ts}
	require.NoError(t, s.SaveIndexState(ctx, want))

	got, err := s.LoadIndexState(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 500.0, got.Divisor)
	assert.True(t, got.CreatedAt.Equal(ts))
	assert.Nil(t, got.LastRebalanceAt)
}

func TestStore_HistoryCSV(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	last, err := s.LastHistoryPoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendHistory(ctx, domain.IndexHistoryPoint{
			Timestamp:  ts.Add(time.Duration(i) * 30 * time.Minute),
			RawValue:   500000 + float64(i),
			IndexValue: 1000 + float64(i),
		}))
	}

	last, err = s.LastHistoryPoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1002.0, last.IndexValue)

	tail, err := s.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 1001.0, tail[0].IndexValue)

	b, err := os.ReadFile(filepath.Join(s.Root(), filepath.FromSlash(HistoryFile)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "timestamp_utc,raw_value,index_value\n"))
}

func TestStore_PortfolioAndEmergencyLock(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	p, err := s.LoadPortfolio(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.SavePortfolio(ctx, domain.Portfolio{
		RunID:        "2026-03-02T14-05Z",
		CreatedAt:    ts,
		Constituents: []domain.RankedConstituent{{Symbol: "BTC", Rank: 1, Weight: 0.3, EntryMarketCap: 1e12}},
	}))
	p, err = s.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "BTC", p.Constituents[0].Symbol)

	require.NoError(t, s.SaveEmergencyLock(ctx, domain.EmergencyLock{OverrideHash: "abc", Timestamp: ts}))
	el, err := s.LoadEmergencyLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", el.OverrideHash)
}

func TestStore_AuditLogAppends(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.AppendAudit(ctx, domain.AuditEvent{
			ID: id, Type: domain.AuditEventEmergency, Timestamp: ts, AffectedSymbols: []string{"LUNA"},
		}))
	}

	events, err := s.AuditEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, []string{"LUNA"}, events[0].AffectedSymbols)
}

func TestStore_ExclusionsAndOverrides(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	_, err := s.LoadExclusions(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))

	require.NoError(t, s.SaveExclusions(ctx, domain.ExclusionMap{
		"stablecoins": {"usdt", "usdc"},
		"non_utility": {"doge"},
	}))
	m, err := s.LoadExclusions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"usdt", "usdc"}, m["stablecoins"])

	_, found, err := s.LoadOverrideRaw(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.ClearOverrides(ctx))
	raw, found, err := s.LoadOverrideRaw(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "blacklist: []\n", string(raw))
}

func TestStore_PutArtifact(t *testing.T) {
	s := New(t.TempDir())

	require.NoError(t, s.PutArtifact(context.Background(), "2026-03-02T14-05Z", "snapshot_meta", map[string]string{"coingecko": "success"}))

	b, err := os.ReadFile(filepath.Join(s.Root(), EvalDir, "2026-03-02T14-05Z", "snapshot_meta.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"coingecko":"success"}`, string(b))

	assert.Error(t, s.PutArtifact(context.Background(), "", "x", nil))
}
