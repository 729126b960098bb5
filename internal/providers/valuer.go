package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/cache"
	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/net/client"
)

const (
	valuationProvider = "coingecko_valuation"
	coinListCacheKey  = "coingecko:coins:list"
	coinListCacheType = "coin_list"
)

type coinListEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

// Valuer prices portfolio constituents with current CoinGecko market caps.
// A symbol can map to several coin ids; the id with the highest cap wins.
type Valuer struct {
	cfg     config.ValuationConfig
	client  *client.Client
	cache   cache.Cache
	metrics *metrics.Registry
}

// NewValuer wires a valuer through the shared transport. c may be nil.
func NewValuer(cfg config.ValuationConfig, c cache.Cache, t *Transport, m *metrics.Registry) *Valuer {
	if c == nil {
		c = cache.NewMemory()
	}
	cl := t.clientFor(config.ProviderConfig{
		Name:       valuationProvider,
		RPS:        1,
		Burst:      2,
		TimeoutMS:  cfg.TimeoutMS,
		MaxRetries: 2,
		Circuit:    config.CircuitConfig{FailureThreshold: 3, OpenTimeoutMS: 60000},
	})
	return &Valuer{cfg: cfg, client: cl, cache: c, metrics: m}
}

// Price returns constituents with current market caps, in input order.
func (v *Valuer) Price(ctx context.Context, constituents []domain.RankedConstituent) ([]domain.ValuedConstituent, error) {
	coins, err := v.coinList(ctx)
	if err != nil {
		return nil, domain.ProviderError(valuationProvider, err)
	}

	symbolToIDs := make(map[string][]string)
	for _, c := range coins {
		sym := strings.ToLower(c.Symbol)
		symbolToIDs[sym] = append(symbolToIDs[sym], c.ID)
	}

	idSet := make(map[string]struct{})
	for _, c := range constituents {
		ids := symbolToIDs[strings.ToLower(c.Symbol)]
		if len(ids) == 0 {
			return nil, domain.IntegrityError("valuation", domain.ErrUnresolvedSymbol, "no coin ids for symbol %s", c.Symbol)
		}
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	caps, err := v.marketCaps(ctx, ids)
	if err != nil {
		return nil, domain.ProviderError(valuationProvider, err)
	}

	out := make([]domain.ValuedConstituent, 0, len(constituents))
	for _, c := range constituents {
		candidates := append([]string(nil), symbolToIDs[strings.ToLower(c.Symbol)]...)
		sort.Strings(candidates)

		bestID, bestCap := "", 0.0
		for _, id := range candidates {
			mc, ok := caps[id]
			if !ok {
				continue
			}
			if bestID == "" || mc > bestCap {
				bestID, bestCap = id, mc
			}
		}
		if bestID == "" {
			return nil, domain.IntegrityError("valuation", domain.ErrUnresolvedSymbol, "failed to resolve market cap for %s", c.Symbol)
		}

		log.Debug().
			Str("symbol", c.Symbol).
			Str("coin_id", bestID).
			Float64("market_cap", bestCap).
			Msg("Constituent priced")
		out = append(out, domain.ValuedConstituent{RankedConstituent: c, MarketCap: bestCap})
	}
	return out, nil
}

func (v *Valuer) coinList(ctx context.Context) ([]coinListEntry, error) {
	var coins []coinListEntry
	if raw, ok := v.cache.Get(ctx, coinListCacheKey); ok {
		if err := json.Unmarshal(raw, &coins); err == nil && len(coins) > 0 {
			v.metrics.RecordCacheHit(coinListCacheType)
			return coins, nil
		}
	}
	v.metrics.RecordCacheMiss(coinListCacheType)

	body, err := v.client.Get(ctx, v.cfg.CoinsListURL, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, decodeError(valuationProvider, err)
	}

	ttl := time.Duration(v.cfg.CoinListTTLMS) * time.Millisecond
	v.cache.Set(ctx, coinListCacheKey, body, ttl)
	log.Debug().Int("coins_count", len(coins)).Msg("CoinGecko coin list retrieved")
	return coins, nil
}

// marketCaps queries /coins/markets in per_page sized id batches. Ids with a
// null cap are omitted from the result.
func (v *Valuer) marketCaps(ctx context.Context, ids []string) (map[string]float64, error) {
	caps := make(map[string]float64, len(ids))
	perPage := v.cfg.PerPage
	for start := 0; start < len(ids); start += perPage {
		end := start + perPage
		if end > len(ids) {
			end = len(ids)
		}

		q := url.Values{}
		q.Set("vs_currency", v.cfg.VsCurrency)
		q.Set("ids", strings.Join(ids[start:end], ","))
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", "1")

		body, err := v.client.Get(ctx, withQuery(v.cfg.MarketsURL, q), nil)
		if err != nil {
			return nil, err
		}
		var rows []coinGeckoMarket
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, decodeError(valuationProvider, err)
		}
		for _, r := range rows {
			if r.MarketCap != nil {
				caps[r.ID] = *r.MarketCap
			}
		}
	}
	return caps, nil
}
