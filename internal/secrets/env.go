// Package secrets reads credentials and operator approval gates from the
// process environment.
package secrets

import (
	"os"
	"strings"

	"github.com/sawpanic/ares/internal/domain"
)

// Operator gates; a gate is open only when its variable is exactly "1"
const (
	EmergencyApprovalEnv = "ALLOW_EMERGENCY_ADJUSTMENT"
	ManualRebalanceEnv   = "ALLOW_MANUAL_REBALANCE"
)

// LookupFunc matches os.LookupEnv so tests can inject an environment
type LookupFunc func(key string) (string, bool)

// Env resolves secrets and gates from an environment
type Env struct {
	lookup LookupFunc
}

// NewEnv reads from the real process environment
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// NewEnvFromMap reads from a fixed map
func NewEnvFromMap(values map[string]string) *Env {
	return &Env{lookup: func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}}
}

// Gate reports whether an operator gate is explicitly open
func (e *Env) Gate(name string) bool {
	v, _ := e.lookup(name)
	return v == "1"
}

// Credential returns a required credential or a configuration error
func (e *Env) Credential(name string) (string, error) {
	v, ok := e.lookup(name)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", domain.ConfigurationError("credential", domain.ErrMissingCredential, "%s missing", name)
	}
	return v, nil
}
