package providers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/net/client"
)

type coinPaprika struct {
	cfg    config.ProviderConfig
	client *client.Client
}

type paprikaTicker struct {
	Symbol string `json:"symbol"`
	Quotes map[string]*struct {
		MarketCap *float64 `json:"market_cap"`
	} `json:"quotes"`
}

func (s *coinPaprika) Name() string { return s.cfg.Name }

// Fetch downloads the full ticker list and keeps the top_n entries by cap.
// A ticker without a quote in the configured currency is skipped; one whose
// quote has a null cap still counts for presence.
func (s *coinPaprika) Fetch(ctx context.Context) ([]domain.ProviderObservation, error) {
	body, err := s.client.Get(ctx, s.cfg.APIURL, nil)
	if err != nil {
		return nil, err
	}

	var tickers []paprikaTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, decodeError(s.cfg.Name, err)
	}

	quoteKey := strings.ToUpper(s.cfg.VsCurrency)
	out := make([]domain.ProviderObservation, 0, len(tickers))
	for _, t := range tickers {
		q := t.Quotes[quoteKey]
		if t.Symbol == "" || q == nil {
			continue
		}
		out = append(out, observation(s.cfg.Name, t.Symbol, q.MarketCap))
	}

	// capless entries sort last
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasMarketCap != out[j].HasMarketCap {
			return out[i].HasMarketCap
		}
		return out[i].MarketCap > out[j].MarketCap
	})
	if len(out) > s.cfg.TopN {
		out = out[:s.cfg.TopN]
	}
	return out, nil
}
