package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while a provider's breaker refuses requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config controls when a provider breaker trips and how long it stays open.
type Config struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	OpenTimeout      time.Duration // time spent open before a half-open probe
	HalfOpenRequests uint32        // probes allowed while half-open
}

// Manager owns one gobreaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Status is a point-in-time view of a provider breaker.
type Status struct {
	Provider            string `json:"provider"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func NewManager() *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// AddProvider registers (or replaces) the breaker for a provider.
func (m *Manager) AddProvider(name string, cfg Config) {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	probes := cfg.HalfOpenRequests
	if probes == 0 {
		probes = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: probes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit state changed")
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = gobreaker.NewCircuitBreaker(settings)
}

// Execute runs fn through the provider's breaker. Providers without a
// registered breaker run fn directly.
func (m *Manager) Execute(provider string, fn func() ([]byte, error)) ([]byte, error) {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if !ok {
		return fn()
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", provider, ErrCircuitOpen)
		}
		return nil, err
	}

	body, _ := out.([]byte)
	return body, nil
}

// Status returns the breaker state for provider, or false if unknown.
func (m *Manager) Status(provider string) (Status, bool) {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}

	counts := cb.Counts()
	return Status{
		Provider:            provider,
		State:               cb.State().String(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}, true
}
