// Package consensus reconciles per-provider market caps into one agreed value
// per symbol using a presence quorum followed by a tolerance-band median vote.
package consensus

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/domain"
)

// Config holds the consensus policy
type Config struct {
	Quorum           int     // Providers that must agree
	TolerancePercent float64 // Band around the median, in percent
}

// Resolver applies presence and tolerance quorums to a provider snapshot
type Resolver struct {
	config Config
}

// Result carries the surviving records plus the intermediate presence table
type Result struct {
	Required        int                               `json:"required_presence"`
	ActiveProviders int                               `json:"active_providers"`
	Presence        []domain.PresenceRecord           `json:"presence"`
	Records         map[string]domain.ConsensusRecord `json:"records"`
	Dropped         map[string]string                 `json:"dropped"`
}

// Sorted returns the surviving records ordered by market cap descending
func (r *Result) Sorted() []domain.ConsensusRecord {
	out := make([]domain.ConsensusRecord, 0, len(r.Records))
	for _, rec := range r.Records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketCap != out[j].MarketCap {
			return out[i].MarketCap > out[j].MarketCap
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// NewResolver creates a resolver for the given policy
func NewResolver(config Config) *Resolver {
	return &Resolver{config: config}
}

// RequiredQuorum degrades the configured quorum when fewer providers are active
func RequiredQuorum(configured, active int) int {
	if active < configured {
		return active
	}
	return configured
}

// Median returns the element at index n/2 of the ascending sort. Even counts
// pick the upper middle value; the two middles are never averaged.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// WithinTolerance reports whether value sits inside the inclusive band around base
func WithinTolerance(value, base, tolerancePercent float64) bool {
	if base == 0 {
		return false
	}
	diff := value - base
	if diff < 0 {
		diff = -diff
	}
	return diff/base <= tolerancePercent/100
}

// Resolve runs both quorum stages over the snapshot
func (r *Resolver) Resolve(snapshot domain.Snapshot) *Result {
	active := snapshot.ActiveProviders()
	required := RequiredQuorum(r.config.Quorum, active)

	providers := make([]string, 0, len(snapshot))
	for p := range snapshot {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	listed := make(map[string]map[string]struct{})
	caps := make(map[string][]float64)
	for _, provider := range providers {
		for _, obs := range snapshot[provider] {
			symbol := strings.ToUpper(strings.TrimSpace(obs.Symbol))
			if symbol == "" {
				continue
			}
			if listed[symbol] == nil {
				listed[symbol] = make(map[string]struct{})
			}
			// first listing per provider wins
			if _, seen := listed[symbol][provider]; seen {
				continue
			}
			listed[symbol][provider] = struct{}{}
			if obs.HasMarketCap {
				caps[symbol] = append(caps[symbol], obs.MarketCap)
			}
		}
	}

	result := &Result{
		Required:        required,
		ActiveProviders: active,
		Records:         make(map[string]domain.ConsensusRecord),
		Dropped:         make(map[string]string),
	}

	symbols := make([]string, 0, len(listed))
	for s := range listed {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		set := listed[symbol]
		record := domain.PresenceRecord{Symbol: symbol}
		for _, p := range providers {
			if _, ok := set[p]; ok {
				record.Providers = append(record.Providers, p)
			}
		}
		result.Presence = append(result.Presence, record)

		if len(set) < required {
			result.Dropped[symbol] = "presence_quorum"
			continue
		}

		reported := caps[symbol]
		if len(reported) < 2 {
			result.Dropped[symbol] = "unverifiable"
			continue
		}

		median := Median(reported)
		if median <= 0 {
			result.Dropped[symbol] = "zero_median"
			continue
		}

		agreeing := 0
		for _, c := range reported {
			if WithinTolerance(c, median, r.config.TolerancePercent) {
				agreeing++
			}
		}

		if agreeing < RequiredQuorum(r.config.Quorum, len(reported)) {
			result.Dropped[symbol] = "tolerance_quorum"
			continue
		}

		result.Records[symbol] = domain.ConsensusRecord{
			Symbol:             symbol,
			MarketCap:          median,
			AgreeingProviders:  agreeing,
			ReportingProviders: len(reported),
		}
	}

	log.Debug().
		Int("active_providers", active).
		Int("required", required).
		Int("symbols", len(symbols)).
		Int("validated", len(result.Records)).
		Msg("Consensus resolved")

	return result
}
