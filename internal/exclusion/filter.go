package exclusion

import (
	"sort"
	"strings"

	"github.com/sawpanic/ares/internal/domain"
)

// PermanentCategory receives consolidated human overrides
const PermanentCategory = "non_utility"

// Filter removes excluded symbols from consensus output. Automatic categories
// match on the lower-cased symbol; the human blacklist matches exact case.
type Filter struct {
	automatic map[string]struct{}
	human     map[string]struct{}
}

// NewFilter builds a filter from the automatic map and the blacklist
func NewFilter(auto domain.ExclusionMap, blacklist []domain.OverrideEntry) *Filter {
	f := &Filter{
		automatic: make(map[string]struct{}),
		human:     make(map[string]struct{}),
	}
	for _, symbols := range auto {
		for _, s := range symbols {
			f.automatic[s] = struct{}{}
		}
	}
	for _, entry := range blacklist {
		if entry.Symbol != "" {
			f.human[entry.Symbol] = struct{}{}
		}
	}
	return f
}

// Excluded reports whether symbol is removed and by which rule
func (f *Filter) Excluded(symbol string) (bool, string) {
	if _, ok := f.automatic[strings.ToLower(symbol)]; ok {
		return true, "automatic"
	}
	if _, ok := f.human[symbol]; ok {
		return true, "human_override"
	}
	return false, ""
}

// Apply returns the records that survive both rules, preserving input order
func (f *Filter) Apply(records []domain.ConsensusRecord) ([]domain.ConsensusRecord, map[string]string) {
	kept := make([]domain.ConsensusRecord, 0, len(records))
	removed := make(map[string]string)
	for _, rec := range records {
		if excluded, rule := f.Excluded(rec.Symbol); excluded {
			removed[rec.Symbol] = rule
			continue
		}
		kept = append(kept, rec)
	}
	return kept, removed
}

// Consolidate folds blacklist symbols, lower-cased, into the permanent category.
// It returns the updated map and the upper-cased symbols that were moved.
func Consolidate(auto domain.ExclusionMap, blacklist []domain.OverrideEntry) (domain.ExclusionMap, []string) {
	out := make(domain.ExclusionMap, len(auto)+1)
	for k, v := range auto {
		out[k] = append([]string(nil), v...)
	}

	set := make(map[string]struct{})
	for _, s := range out[PermanentCategory] {
		set[s] = struct{}{}
	}

	var moved []string
	for _, entry := range blacklist {
		if entry.Symbol == "" {
			continue
		}
		set[strings.ToLower(entry.Symbol)] = struct{}{}
		moved = append(moved, strings.ToUpper(entry.Symbol))
	}

	merged := make([]string, 0, len(set))
	for s := range set {
		merged = append(merged, s)
	}
	sort.Strings(merged)
	out[PermanentCategory] = merged

	return out, moved
}
