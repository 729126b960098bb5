package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the run must react to them
type Kind int

const (
	// KindConfiguration covers missing or malformed config and credentials
	KindConfiguration Kind = iota + 1
	// KindDataIntegrity covers violated numeric or structural invariants
	KindDataIntegrity
	// KindGovernance covers gates that refuse to let a run proceed
	KindGovernance
	// KindProvider covers a single provider failing; absorbed at the fetch boundary
	KindProvider
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindDataIntegrity:
		return "data_integrity_error"
	case KindGovernance:
		return "governance_violation"
	case KindProvider:
		return "provider_error"
	default:
		return "unknown"
	}
}

var (
	ErrOutsideWindow        = errors.New("outside rebalance window")
	ErrLockHeld             = errors.New("rebalance lock held")
	ErrRunInProgress        = errors.New("governance run in progress")
	ErrNoOverrideChange     = errors.New("no change detected in human override")
	ErrApprovalMissing      = errors.New("explicit approval missing")
	ErrWeightSum            = errors.New("weights do not sum to 1.0")
	ErrInvalidDivisor       = errors.New("invalid divisor")
	ErrInsufficientEligible = errors.New("insufficient eligible candidates")
	ErrMalformedOverride    = errors.New("malformed human override")
	ErrNoPortfolio          = errors.New("no committed portfolio")
	ErrUnresolvedSymbol     = errors.New("symbol could not be resolved")
	ErrMissingCredential    = errors.New("missing credential")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrNoProviders          = errors.New("no provider returned data")
	ErrInvalidRawValue      = errors.New("invalid raw index value")
	ErrEmptyHistory         = errors.New("index history is empty")
)

// Error is the typed failure carried through the pipeline
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Unblock string // how an operator can clear a governance gate
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Msg)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Unblock != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Unblock)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigurationError builds a KindConfiguration error
func ConfigurationError(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IntegrityError builds a KindDataIntegrity error
func IntegrityError(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindDataIntegrity, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// GovernanceViolation builds a KindGovernance error with an unblock hint
func GovernanceViolation(op string, err error, unblock string, format string, args ...any) *Error {
	return &Error{Kind: KindGovernance, Op: op, Msg: fmt.Sprintf(format, args...), Unblock: unblock, Err: err}
}

// ProviderError builds a KindProvider error
func ProviderError(provider string, err error) *Error {
	return &Error{Kind: KindProvider, Op: "fetch " + provider, Msg: "provider failed", Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
