package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/secrets"
)

func providerConfig(name, apiURL string, topN int) config.ProviderConfig {
	p := config.ProviderConfig{Name: name, Enabled: true, APIURL: apiURL, TopN: topN}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	p.RPS = 1000
	p.Burst = 100
	return p
}

func TestCoinGecko_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "market_cap_desc", r.URL.Query().Get("order"))
		assert.Equal(t, "50", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc","market_cap":1000},
			{"id":"ethereum","symbol":"eth","market_cap":500},
			{"id":"ghost","symbol":"gst","market_cap":null}
		]`))
	}))
	defer srv.Close()

	src, err := NewSource(providerConfig(CoinGecko, srv.URL, 50), secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.NoError(t, err)

	obs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, domain.ProviderObservation{Provider: CoinGecko, Symbol: "BTC", MarketCap: 1000, HasMarketCap: true}, obs[0])
	assert.Equal(t, "ETH", obs[1].Symbol)
}

func TestCoinMarketCap_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k-123", r.Header.Get("X-CMC_PRO_API_KEY"))
		assert.Equal(t, "USD", r.URL.Query().Get("convert"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":[
			{"symbol":"BTC","quote":{"USD":{"market_cap":990}}},
			{"symbol":"XYZ","quote":{}},
			{"symbol":"NUL","quote":{"USD":{"market_cap":null}}},
			{"symbol":"eth","quote":{"USD":{"market_cap":510}}}
		]}`))
	}))
	defer srv.Close()

	env := secrets.NewEnvFromMap(map[string]string{"CMC_API_KEY": "k-123"})
	src, err := NewSource(providerConfig(CoinMarketCap, srv.URL, 50), env, NewTransport("test"))
	require.NoError(t, err)

	obs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "BTC", obs[0].Symbol)
	assert.Equal(t, "ETH", obs[1].Symbol)
	assert.Equal(t, 510.0, obs[1].MarketCap)
}

func TestCoinMarketCap_MissingKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	src, err := NewSource(providerConfig(CoinMarketCap, srv.URL, 50), secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Contains(t, err.Error(), "CMC_API_KEY missing")
	assert.False(t, called)
}

func TestCoinPaprika_FetchSortsAndTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"eth","quotes":{"USD":{"market_cap":500}}},
			{"symbol":"NOQ","quotes":{}},
			{"symbol":"pres","quotes":{"USD":{"market_cap":null}}},
			{"symbol":"btc","quotes":{"USD":{"market_cap":1000}}},
			{"symbol":"sol","quotes":{"USD":{"market_cap":100}}}
		]`))
	}))
	defer srv.Close()

	src, err := NewSource(providerConfig(CoinPaprika, srv.URL, 3), secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.NoError(t, err)

	obs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 3)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, []string{obs[0].Symbol, obs[1].Symbol, obs[2].Symbol})
}

func TestCoinPaprika_KeepsPresenceOnlyEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"pres","quotes":{"USD":{"market_cap":null}}},
			{"symbol":"btc","quotes":{"USD":{"market_cap":1000}}}
		]`))
	}))
	defer srv.Close()

	src, err := NewSource(providerConfig(CoinPaprika, srv.URL, 10), secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.NoError(t, err)

	obs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "BTC", obs[0].Symbol)
	assert.Equal(t, "PRES", obs[1].Symbol)
	assert.False(t, obs[1].HasMarketCap)
}

func TestNewSource_UnknownProvider(t *testing.T) {
	_, err := NewSource(providerConfig("binance", "http://localhost", 10), secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestNewSources_OnlyEnabled(t *testing.T) {
	cfg := &config.ProvidersConfig{Providers: []config.ProviderConfig{
		providerConfig(CoinGecko, "http://a", 10),
		providerConfig(CoinPaprika, "http://b", 10),
	}}
	cfg.Providers[1].Enabled = false

	srcs, err := NewSources(cfg, secrets.NewEnvFromMap(nil), NewTransport("test"))
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, CoinGecko, srcs[0].Name())
}
