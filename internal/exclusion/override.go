package exclusion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/sawpanic/ares/internal/domain"
)

// OverrideDocument is the parsed human override file
type OverrideDocument struct {
	Blacklist []domain.OverrideEntry `yaml:"blacklist"`
}

// EmptyOverrideDocument is what a cleared override file contains
func EmptyOverrideDocument() OverrideDocument {
	return OverrideDocument{Blacklist: []domain.OverrideEntry{}}
}

// ContentHash returns the hex SHA-256 of the raw override file bytes
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseOverrides reads the blacklist leniently: a missing or non-list
// blacklist yields no entries.
func ParseOverrides(raw []byte) (OverrideDocument, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return OverrideDocument{}, fmt.Errorf("failed to parse human override YAML: %w", err)
	}
	if _, ok := generic["blacklist"].([]interface{}); !ok {
		return EmptyOverrideDocument(), nil
	}

	var doc OverrideDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return OverrideDocument{}, fmt.Errorf("failed to parse human override entries: %w", err)
	}
	return doc, nil
}

// ValidateForEmergency enforces the emergency path rules: a non-empty list
// whose every entry carries symbol, reason and timestamp keys.
func ValidateForEmergency(raw []byte) ([]domain.OverrideEntry, error) {
	const op = "validate human override"

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, domain.IntegrityError(op, domain.ErrMalformedOverride, "unparseable YAML: %v", err)
	}

	list, ok := generic["blacklist"].([]interface{})
	if !ok || len(list) == 0 {
		return nil, domain.IntegrityError(op, domain.ErrMalformedOverride,
			"emergency adjustment requires at least one blacklist entry")
	}

	for i, item := range list {
		entry, ok := item.(map[interface{}]interface{})
		if !ok {
			return nil, domain.IntegrityError(op, domain.ErrMalformedOverride, "entry %d is not a mapping", i)
		}
		for _, key := range []string{"symbol", "reason", "timestamp"} {
			if _, present := entry[key]; !present {
				return nil, domain.IntegrityError(op, domain.ErrMalformedOverride,
					"entry %d must include symbol, reason, timestamp (missing %s)", i, key)
			}
		}
	}

	doc, err := ParseOverrides(raw)
	if err != nil {
		return nil, domain.IntegrityError(op, domain.ErrMalformedOverride, "%v", err)
	}
	return doc.Blacklist, nil
}

// Symbols lists entry symbols in file order
func Symbols(entries []domain.OverrideEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Symbol)
	}
	return out
}
