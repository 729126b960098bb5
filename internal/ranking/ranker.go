// Package ranking selects the top-K eligible assets and assigns the fixed
// rank-dependent portfolio weights.
package ranking

import (
	"sort"

	"github.com/sawpanic/ares/internal/domain"
)

// basisPoints is the denominator of the weight table. Weights are held as
// integers so the sum check is exact.
const basisPoints = 10000

// RankWeights is the policy table, rank → basis points
var RankWeights = map[int]int{
	1:  3000,
	2:  2200,
	3:  600,
	4:  600,
	5:  600,
	6:  600,
	7:  600,
	8:  600,
	9:  600,
	10: 600,
}

// PortfolioSize is the number of ranks the table defines
const PortfolioSize = 10

// Weight returns the weight for rank as a fraction
func Weight(rank int) (float64, bool) {
	bp, ok := RankWeights[rank]
	if !ok {
		return 0, false
	}
	return float64(bp) / basisPoints, true
}

// Rank sorts candidates by market cap descending, symbol ascending on ties,
// and assigns the fixed weights to the first PortfolioSize entries.
func Rank(candidates []domain.ConsensusRecord) ([]domain.RankedConstituent, error) {
	const op = "rank"

	if len(candidates) < PortfolioSize {
		return nil, domain.IntegrityError(op, domain.ErrInsufficientEligible,
			"%d eligible assets, %d ranks required", len(candidates), PortfolioSize)
	}

	sorted := append([]domain.ConsensusRecord(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MarketCap != sorted[j].MarketCap {
			return sorted[i].MarketCap > sorted[j].MarketCap
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	ranked := make([]domain.RankedConstituent, 0, PortfolioSize)
	total := 0
	for i, rec := range sorted[:PortfolioSize] {
		rank := i + 1
		bp, ok := RankWeights[rank]
		if !ok {
			return nil, domain.IntegrityError(op, domain.ErrWeightSum, "weight mapping failed for rank %d", rank)
		}
		total += bp
		ranked = append(ranked, domain.RankedConstituent{
			Symbol:         rec.Symbol,
			Rank:           rank,
			Weight:         float64(bp) / basisPoints,
			EntryMarketCap: rec.MarketCap,
		})
	}

	if total != basisPoints {
		return nil, domain.IntegrityError(op, domain.ErrWeightSum,
			"weights sum to %.4f", float64(total)/basisPoints)
	}

	return ranked, nil
}

// TableSum returns the sum of the weight table as a fraction
func TableSum() float64 {
	total := 0
	for _, bp := range RankWeights {
		total += bp
	}
	return float64(total) / basisPoints
}
