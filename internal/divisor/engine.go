// Package divisor keeps the published index value continuous across
// constituent and weight changes.
package divisor

import (
	"math"
	"time"

	"github.com/sawpanic/ares/internal/domain"
)

// DefaultBaseValue is the index level at launch
const DefaultBaseValue = 1000.0

// RawValue sums weight × market cap over the priced constituents
func RawValue(constituents []domain.ValuedConstituent) (float64, error) {
	raw := 0.0
	for _, c := range constituents {
		raw += c.Weight * c.MarketCap
	}
	if err := checkPositive("raw value", raw, domain.ErrInvalidRawValue); err != nil {
		return 0, err
	}
	return raw, nil
}

// Launch creates the first IndexState so that the index starts at baseValue
func Launch(raw, baseValue float64, now time.Time) (domain.IndexState, domain.IndexHistoryPoint, error) {
	if err := checkPositive("raw value", raw, domain.ErrInvalidRawValue); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}
	if err := checkPositive("base value", baseValue, domain.ErrInvalidConfig); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}

	divisor := raw / baseValue
	if err := checkPositive("divisor", divisor, domain.ErrInvalidDivisor); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}

	state := domain.IndexState{
		BaseValue: baseValue,
		Divisor:   divisor,
		CreatedAt: now,
	}
	return state, domain.IndexHistoryPoint{Timestamp: now, RawValue: raw, IndexValue: baseValue}, nil
}

// Value publishes raw / divisor without touching the state
func Value(raw float64, state domain.IndexState, now time.Time) (domain.IndexHistoryPoint, error) {
	if err := checkPositive("divisor", state.Divisor, domain.ErrInvalidDivisor); err != nil {
		return domain.IndexHistoryPoint{}, err
	}
	if err := checkPositive("raw value", raw, domain.ErrInvalidRawValue); err != nil {
		return domain.IndexHistoryPoint{}, err
	}
	return domain.IndexHistoryPoint{Timestamp: now, RawValue: raw, IndexValue: raw / state.Divisor}, nil
}

// Reanchor recomputes the divisor so the new raw value publishes exactly the
// last index value. The returned point is the continuity observation.
func Reanchor(state domain.IndexState, raw, lastIndexValue float64, now time.Time) (domain.IndexState, domain.IndexHistoryPoint, error) {
	if err := checkPositive("raw value", raw, domain.ErrInvalidRawValue); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}
	if err := checkPositive("last index value", lastIndexValue, domain.ErrInvalidDivisor); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}

	divisor := raw / lastIndexValue
	if err := checkPositive("divisor", divisor, domain.ErrInvalidDivisor); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}

	rebalancedAt := now
	next := state
	next.Divisor = divisor
	next.LastRebalanceAt = &rebalancedAt

	return next, domain.IndexHistoryPoint{Timestamp: now, RawValue: raw, IndexValue: lastIndexValue}, nil
}

func checkPositive(name string, v float64, sentinel error) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return domain.IntegrityError("divisor", sentinel, "%s must be positive and finite, got %v", name, v)
	}
	return nil
}
