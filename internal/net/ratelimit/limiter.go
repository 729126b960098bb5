package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Manager holds one token bucket per market-data provider. Providers that
// were never registered are not throttled.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddProvider registers (or replaces) the bucket for a provider.
func (m *Manager) AddProvider(name string, rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
}

func (m *Manager) limiter(provider string) (*rate.Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.limiters[provider]
	return l, ok
}

// Allow reports whether a request for provider may proceed right now.
func (m *Manager) Allow(provider string) bool {
	l, ok := m.limiter(provider)
	if !ok {
		return true
	}
	return l.Allow()
}

// Wait blocks until provider has a token or ctx is done.
func (m *Manager) Wait(ctx context.Context, provider string) error {
	l, ok := m.limiter(provider)
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// Stats returns a snapshot of every registered provider bucket.
func (m *Manager) Stats() map[string]LimiterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := make(map[string]LimiterStats, len(m.limiters))
	for name, l := range m.limiters {
		r := l.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)

		stats[name] = LimiterStats{
			Provider:        name,
			RPS:             float64(l.Limit()),
			Burst:           l.Burst(),
			TokensAvailable: l.TokensAt(now),
			Delay:           delay,
		}
	}
	return stats
}

// LimiterStats describes one provider bucket.
type LimiterStats struct {
	Provider        string        `json:"provider"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled returns true if the next request would have to wait.
func (s LimiterStats) IsThrottled() bool {
	return s.Delay > 0
}
