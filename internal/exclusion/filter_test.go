package exclusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/domain"
)

func records(symbols ...string) []domain.ConsensusRecord {
	out := make([]domain.ConsensusRecord, 0, len(symbols))
	for i, s := range symbols {
		out = append(out, domain.ConsensusRecord{Symbol: s, MarketCap: float64(1000 - i)})
	}
	return out
}

func TestFilter_AutomaticMatchesLowercase(t *testing.T) {
	f := NewFilter(domain.ExclusionMap{"stablecoins": {"btc"}}, nil)

	upper, rule := f.Excluded("BTC")
	assert.True(t, upper)
	assert.Equal(t, "automatic", rule)

	lower, _ := f.Excluded("btc")
	assert.True(t, lower)
}

func TestFilter_HumanOverrideMatchesExactCase(t *testing.T) {
	f := NewFilter(nil, []domain.OverrideEntry{{Symbol: "BTC", Reason: "exploit", Timestamp: "2025-01-01"}})

	exact, rule := f.Excluded("BTC")
	assert.True(t, exact)
	assert.Equal(t, "human_override", rule)

	lower, _ := f.Excluded("btc")
	assert.False(t, lower, "blacklist comparison is case-sensitive")
}

func TestFilter_ApplyPreservesOrder(t *testing.T) {
	f := NewFilter(
		domain.ExclusionMap{"stablecoins": {"usdt", "usdc"}, "wrapped": {"wbtc"}},
		[]domain.OverrideEntry{{Symbol: "LUNA"}},
	)

	kept, removed := f.Apply(records("BTC", "USDT", "ETH", "LUNA", "WBTC", "SOL"))

	require.Len(t, kept, 3)
	assert.Equal(t, "BTC", kept[0].Symbol)
	assert.Equal(t, "ETH", kept[1].Symbol)
	assert.Equal(t, "SOL", kept[2].Symbol)
	assert.Equal(t, map[string]string{"USDT": "automatic", "LUNA": "human_override", "WBTC": "automatic"}, removed)
}

func TestConsolidate_MovesOverridesIntoPermanentCategory(t *testing.T) {
	auto := domain.ExclusionMap{
		"stablecoins":     {"usdt"},
		PermanentCategory: {"xyz"},
	}
	blacklist := []domain.OverrideEntry{
		{Symbol: "LUNA", Reason: "collapse", Timestamp: "2025-01-01T00:00:00Z"},
		{Symbol: "xyz", Reason: "dup", Timestamp: "2025-01-02T00:00:00Z"},
		{Symbol: "", Reason: "empty", Timestamp: "2025-01-03T00:00:00Z"},
	}

	updated, moved := Consolidate(auto, blacklist)

	assert.Equal(t, []string{"luna", "xyz"}, updated[PermanentCategory])
	assert.Equal(t, []string{"usdt"}, updated["stablecoins"])
	assert.Equal(t, []string{"LUNA", "XYZ"}, moved)
	assert.Equal(t, []string{"xyz"}, auto[PermanentCategory], "input map must not be mutated")
}

func TestConsolidate_CreatesCategoryWhenAbsent(t *testing.T) {
	updated, moved := Consolidate(domain.ExclusionMap{}, []domain.OverrideEntry{{Symbol: "FTT"}})

	assert.Equal(t, []string{"ftt"}, updated[PermanentCategory])
	assert.Equal(t, []string{"FTT"}, moved)
}
