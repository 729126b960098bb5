package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/net/client"
)

type coinGecko struct {
	cfg    config.ProviderConfig
	client *client.Client
}

type coinGeckoMarket struct {
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	MarketCap *float64 `json:"market_cap"`
}

func (s *coinGecko) Name() string { return s.cfg.Name }

// Fetch pulls the first page of /coins/markets ordered by market cap.
// Entries with a null market cap are dropped.
func (s *coinGecko) Fetch(ctx context.Context) ([]domain.ProviderObservation, error) {
	q := url.Values{}
	q.Set("vs_currency", s.cfg.VsCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(s.cfg.TopN))
	q.Set("page", "1")

	body, err := s.client.Get(ctx, withQuery(s.cfg.APIURL, q), nil)
	if err != nil {
		return nil, err
	}

	var rows []coinGeckoMarket
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, decodeError(s.cfg.Name, err)
	}

	out := make([]domain.ProviderObservation, 0, len(rows))
	for _, r := range rows {
		if r.Symbol == "" || r.MarketCap == nil {
			continue
		}
		out = append(out, observation(s.cfg.Name, r.Symbol, r.MarketCap))
	}
	return out, nil
}

func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
