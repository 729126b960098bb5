package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/net/client"
	"github.com/sawpanic/ares/internal/secrets"
)

// DefaultCMCCredentialEnv holds the CoinMarketCap API key when the provider
// entry does not name one.
const DefaultCMCCredentialEnv = "CMC_API_KEY"

type coinMarketCap struct {
	cfg    config.ProviderConfig
	client *client.Client
	env    *secrets.Env
}

type cmcListing struct {
	Data []struct {
		Symbol string `json:"symbol"`
		Quote  map[string]struct {
			MarketCap *float64 `json:"market_cap"`
		} `json:"quote"`
	} `json:"data"`
}

func (s *coinMarketCap) Name() string { return s.cfg.Name }

// Fetch calls the listings endpoint with the API key header. A missing key
// fails the provider before any request is made.
func (s *coinMarketCap) Fetch(ctx context.Context) ([]domain.ProviderObservation, error) {
	envName := s.cfg.CredentialEnv
	if envName == "" {
		envName = DefaultCMCCredentialEnv
	}
	key, err := s.env.Credential(envName)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(s.cfg.TopN))
	q.Set("convert", strings.ToUpper(s.cfg.VsCurrency))

	h := http.Header{}
	h.Set("X-CMC_PRO_API_KEY", key)

	body, err := s.client.Get(ctx, withQuery(s.cfg.APIURL, q), h)
	if err != nil {
		return nil, err
	}

	var listing cmcListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, decodeError(s.cfg.Name, err)
	}

	quoteKey := strings.ToUpper(s.cfg.VsCurrency)
	out := make([]domain.ProviderObservation, 0, len(listing.Data))
	for _, d := range listing.Data {
		quote, ok := d.Quote[quoteKey]
		if d.Symbol == "" || !ok || quote.MarketCap == nil {
			continue
		}
		out = append(out, observation(s.cfg.Name, d.Symbol, quote.MarketCap))
	}
	return out, nil
}
