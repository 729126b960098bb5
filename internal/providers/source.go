package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/net/circuit"
	"github.com/sawpanic/ares/internal/net/client"
	"github.com/sawpanic/ares/internal/net/ratelimit"
	"github.com/sawpanic/ares/internal/secrets"
)

// Supported provider names
const (
	CoinGecko     = "coingecko"
	CoinMarketCap = "coinmarketcap"
	CoinPaprika   = "coinpaprika"
)

// Source retrieves one provider's market-cap listing.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.ProviderObservation, error)
}

// Transport bundles the shared rate limiter and breakers every source's
// client is wired through.
type Transport struct {
	Limiter   *ratelimit.Manager
	Breakers  *circuit.Manager
	UserAgent string
	HTTP      *http.Client
}

// NewTransport builds a transport with an empty limiter and breaker set.
func NewTransport(userAgent string) *Transport {
	return &Transport{
		Limiter:   ratelimit.NewManager(),
		Breakers:  circuit.NewManager(),
		UserAgent: userAgent,
	}
}

func (t *Transport) clientFor(p config.ProviderConfig) *client.Client {
	t.Limiter.AddProvider(p.Name, p.RPS, p.Burst)
	t.Breakers.AddProvider(p.Name, circuit.Config{
		FailureThreshold: p.Circuit.FailureThreshold,
		OpenTimeout:      time.Duration(p.Circuit.OpenTimeoutMS) * time.Millisecond,
	})
	return client.New(client.Config{
		Provider:   p.Name,
		UserAgent:  t.UserAgent,
		Timeout:    p.Timeout(),
		MaxRetries: p.MaxRetries,
	}, t.Limiter, t.Breakers, t.HTTP)
}

// NewSources builds a Source for every enabled provider.
func NewSources(cfg *config.ProvidersConfig, env *secrets.Env, t *Transport) ([]Source, error) {
	var out []Source
	for _, p := range cfg.EnabledProviders() {
		src, err := NewSource(p, env, t)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, domain.ConfigurationError("providers", domain.ErrNoProviders, "no enabled providers")
	}
	return out, nil
}

// NewSource builds the adapter for a single provider entry.
func NewSource(p config.ProviderConfig, env *secrets.Env, t *Transport) (Source, error) {
	c := t.clientFor(p)
	switch strings.ToLower(p.Name) {
	case CoinGecko:
		return &coinGecko{cfg: p, client: c}, nil
	case CoinMarketCap:
		return &coinMarketCap{cfg: p, client: c, env: env}, nil
	case CoinPaprika:
		return &coinPaprika{cfg: p, client: c}, nil
	default:
		return nil, domain.ConfigurationError("providers", domain.ErrInvalidConfig, "unknown provider %q", p.Name)
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func observation(provider, symbol string, marketCap *float64) domain.ProviderObservation {
	obs := domain.ProviderObservation{Provider: provider, Symbol: normalizeSymbol(symbol)}
	if marketCap != nil {
		obs.MarketCap = *marketCap
		obs.HasMarketCap = true
	}
	return obs
}

func decodeError(provider string, err error) error {
	return fmt.Errorf("%s: decode response: %w", provider, err)
}
