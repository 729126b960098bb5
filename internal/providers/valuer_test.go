package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/cache"
	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
)

func valuationServer(t *testing.T, listCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/coins/list", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(listCalls, 1)
		_, _ = w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc"},
			{"id":"batcoin","symbol":"btc"},
			{"id":"ethereum","symbol":"eth"},
			{"id":"dead","symbol":"ded"}
		]`))
	})
	mux.HandleFunc("/coins/markets", func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		assert.NotEmpty(t, ids)
		_, _ = w.Write([]byte(`[
			{"id":"bitcoin","market_cap":1200},
			{"id":"batcoin","market_cap":3},
			{"id":"ethereum","market_cap":600},
			{"id":"dead","market_cap":null}
		]`))
	})
	return httptest.NewServer(mux)
}

func valuationConfig(base string) config.ValuationConfig {
	cfg := config.DefaultProvidersConfig().Valuation
	cfg.CoinsListURL = base + "/coins/list"
	cfg.MarketsURL = base + "/coins/markets"
	return cfg
}

func TestValuer_PicksHighestCapID(t *testing.T) {
	var calls int32
	srv := valuationServer(t, &calls)
	defer srv.Close()

	v := NewValuer(valuationConfig(srv.URL), cache.NewMemory(), NewTransport("test"), metrics.NewRegistry())
	out, err := v.Price(context.Background(), []domain.RankedConstituent{
		{Symbol: "BTC", Rank: 1, Weight: 0.30},
		{Symbol: "ETH", Rank: 2, Weight: 0.22},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1200.0, out[0].MarketCap)
	assert.Equal(t, "BTC", out[0].Symbol)
	assert.Equal(t, 600.0, out[1].MarketCap)
}

func TestValuer_CachesCoinList(t *testing.T) {
	var calls int32
	srv := valuationServer(t, &calls)
	defer srv.Close()

	v := NewValuer(valuationConfig(srv.URL), cache.NewMemory(), NewTransport("test"), nil)
	in := []domain.RankedConstituent{{Symbol: "ETH", Rank: 1}}

	_, err := v.Price(context.Background(), in)
	require.NoError(t, err)
	_, err = v.Price(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestValuer_UnresolvedSymbol(t *testing.T) {
	var calls int32
	srv := valuationServer(t, &calls)
	defer srv.Close()

	v := NewValuer(valuationConfig(srv.URL), nil, NewTransport("test"), nil)

	_, err := v.Price(context.Background(), []domain.RankedConstituent{{Symbol: "ZZZ"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnresolvedSymbol)

	_, err = v.Price(context.Background(), []domain.RankedConstituent{{Symbol: "DED"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnresolvedSymbol)
	assert.True(t, domain.IsKind(err, domain.KindDataIntegrity))
}
