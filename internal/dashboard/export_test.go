package dashboard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
)

var asOf = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func valued() []domain.ValuedConstituent {
	out := []domain.ValuedConstituent{
		{RankedConstituent: domain.RankedConstituent{Symbol: "BTC", Rank: 1, Weight: 0.30}, MarketCap: 1e12},
		{RankedConstituent: domain.RankedConstituent{Symbol: "ETH", Rank: 2, Weight: 0.22}, MarketCap: 4e11},
	}
	for i := 3; i <= 10; i++ {
		out = append(out, domain.ValuedConstituent{
			RankedConstituent: domain.RankedConstituent{Symbol: string(rune('A' + i)), Rank: i, Weight: 0.06},
			MarketCap:         1e10,
		})
	}
	return out
}

func TestBuildTimeseries_CapsAndRounds(t *testing.T) {
	var hist []domain.IndexHistoryPoint
	for i := 0; i < 5; i++ {
		hist = append(hist, domain.IndexHistoryPoint{
			Timestamp:  asOf.Add(time.Duration(i) * 30 * time.Minute),
			IndexValue: 1000.1234567 + float64(i),
		})
	}

	ts := BuildTimeseries("CRYP_INDEX", "30m", hist, 3)
	require.Len(t, ts.Data, 3)
	assert.Equal(t, 1002.123457, ts.Data[0].Value)
	assert.Equal(t, hist[4].Timestamp, ts.LastUpdated)
	assert.Equal(t, "CRYP_INDEX", ts.Symbol)
}

func TestBuildConstituents_Normalizes(t *testing.T) {
	c, err := BuildConstituents(valued(), asOf)
	require.NoError(t, err)
	require.Len(t, c.Constituents, 10)
	assert.Equal(t, 0.3, c.Constituents[0].Weight)
	assert.Equal(t, "free-float market cap", c.Method)

	halved := valued()
	for i := range halved {
		halved[i].Weight /= 2
	}
	c, err = BuildConstituents(halved, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0.22, c.Constituents[1].Weight)
}

func TestBuildConstituents_RejectsZeroSum(t *testing.T) {
	_, err := BuildConstituents([]domain.ValuedConstituent{{MarketCap: 1}}, asOf)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWeightSum)
}

func TestExporter_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultEngineConfig().Index
	e := NewExporter(cfg, dir)

	hist := []domain.IndexHistoryPoint{{Timestamp: asOf, RawValue: 500000, IndexValue: 1000}}
	require.NoError(t, e.Export(hist, valued(), asOf))

	b, err := os.ReadFile(filepath.Join(dir, cfg.DashboardDir, TimeseriesFile))
	require.NoError(t, err)
	var ts Timeseries
	require.NoError(t, json.Unmarshal(b, &ts))
	assert.Equal(t, "30m", ts.Interval)
	require.Len(t, ts.Data, 1)
	assert.Equal(t, 1000.0, ts.Data[0].Value)

	_, err = os.Stat(filepath.Join(dir, cfg.DashboardDir, ConstituentsFile))
	assert.NoError(t, err)
}
