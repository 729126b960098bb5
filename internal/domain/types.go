package domain

import "time"

// ProviderObservation is a single symbol reported by one provider in one run
type ProviderObservation struct {
	Provider     string  `json:"provider"`
	Symbol       string  `json:"symbol"`
	MarketCap    float64 `json:"market_cap"`
	HasMarketCap bool    `json:"has_market_cap"`
}

// Snapshot maps provider id to the observations it returned. A provider whose
// fetch failed is absent from the map.
type Snapshot map[string][]ProviderObservation

// ActiveProviders returns the number of providers that returned data
func (s Snapshot) ActiveProviders() int {
	return len(s)
}

// PresenceRecord lists the providers that listed a symbol
type PresenceRecord struct {
	Symbol    string   `json:"symbol"`
	Providers []string `json:"providers"`
}

// ConsensusRecord is the agreed value for a symbol across providers
type ConsensusRecord struct {
	Symbol             string  `json:"symbol"`
	MarketCap          float64 `json:"market_cap"`
	AgreeingProviders  int     `json:"agreeing_providers"`
	ReportingProviders int     `json:"reporting_providers"`
}

// RankedConstituent is one slot of the instantaneous portfolio definition
type RankedConstituent struct {
	Symbol         string  `json:"symbol"`
	Rank           int     `json:"rank"`
	Weight         float64 `json:"weight"`
	EntryMarketCap float64 `json:"entry_market_cap"`
}

// ValuedConstituent is a constituent priced by the valuation collaborator
type ValuedConstituent struct {
	RankedConstituent
	MarketCap float64 `json:"market_cap"`
}

// Portfolio is the last committed constituent list
type Portfolio struct {
	RunID        string              `json:"run_id"`
	CreatedAt    time.Time           `json:"created_at"`
	Constituents []RankedConstituent `json:"constituents"`
}

// IndexState is the process-wide divisor record
type IndexState struct {
	BaseValue       float64    `json:"base_value" db:"base_value"`
	Divisor         float64    `json:"divisor" db:"divisor"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastRebalanceAt *time.Time `json:"last_rebalance_at,omitempty" db:"last_rebalance_at"`
}

// IndexHistoryPoint is one published valuation
type IndexHistoryPoint struct {
	Timestamp  time.Time `json:"timestamp_utc" csv:"timestamp_utc" db:"ts"`
	RawValue   float64   `json:"raw_value" csv:"raw_value" db:"raw_value"`
	IndexValue float64   `json:"index_value" csv:"index_value" db:"index_value"`
}

// LockState distinguishes an in-flight claim from a finished rebalance
type LockState string

const (
	LockPending   LockState = "pending"
	LockCommitted LockState = "committed"
)

// RebalanceLock blocks scheduled rebalances until NextAllowedAt
type RebalanceLock struct {
	RunID         string    `json:"run_id"`
	RebalancedAt  time.Time `json:"rebalanced_at"`
	NextAllowedAt time.Time `json:"next_allowed_at"`
	State         LockState `json:"state,omitempty"`
}

// Expired reports whether the lock no longer blocks a rebalance at now
func (l RebalanceLock) Expired(now time.Time) bool {
	return !now.Before(l.NextAllowedAt)
}

// EmergencyLock records the override content hash of the last emergency run
type EmergencyLock struct {
	OverrideHash string    `json:"override_hash" db:"override_hash"`
	Timestamp    time.Time `json:"timestamp" db:"ts"`
}

// AuditEventEmergency is the only audit event type emitted today
const AuditEventEmergency = "emergency_adjustment"

// AuditEvent is an immutable audit log entry
type AuditEvent struct {
	ID              string    `json:"id" db:"id"`
	Type            string    `json:"type" db:"type"`
	Timestamp       time.Time `json:"timestamp" db:"ts"`
	RunID           string    `json:"run_id" db:"run_id"`
	AffectedSymbols []string  `json:"affected_symbols" db:"-"`
	OverrideHash    string    `json:"override_hash" db:"override_hash"`
}

// OverrideEntry is one human blacklist entry
type OverrideEntry struct {
	Symbol    string `yaml:"symbol" json:"symbol"`
	Reason    string `yaml:"reason" json:"reason"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
}

// ExclusionMap is the automatic exclusion list keyed by category
type ExclusionMap map[string][]string
