package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/net/circuit"
	"github.com/sawpanic/ares/internal/net/ratelimit"
)

// DefaultUserAgent identifies the engine to upstream market-data APIs.
const DefaultUserAgent = "ARES-Index/1.0"

// Config configures a provider-scoped HTTP client.
type Config struct {
	Provider    string
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client issues GET requests for a single provider with rate limiting,
// circuit breaking and bounded retries.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *ratelimit.Manager
	breakers *circuit.Manager
}

// New builds a client. limiter and breakers may be nil.
func New(cfg Config, limiter *ratelimit.Manager, breakers *circuit.Manager, hc *http.Client) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc, limiter: limiter, breakers: breakers}
}

// Provider returns the provider this client is scoped to.
func (c *Client) Provider() string { return c.cfg.Provider }

// Get fetches url and returns the response body. Any status >= 400 is an error.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			log.Debug().
				Str("provider", c.cfg.Provider).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying provider request")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.cfg.Provider); err != nil {
				return nil, &RequestError{Provider: c.cfg.Provider, Type: "rate_limit", Err: err}
			}
		}

		body, err := c.execute(ctx, url, header)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !c.retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) execute(ctx context.Context, url string, header http.Header) ([]byte, error) {
	do := func() ([]byte, error) {
		return c.once(ctx, url, header)
	}
	if c.breakers == nil {
		return do()
	}

	body, err := c.breakers.Execute(c.cfg.Provider, do)
	if errors.Is(err, circuit.ErrCircuitOpen) {
		return nil, &RequestError{Provider: c.cfg.Provider, Type: "circuit", Err: err}
	}
	return body, err
}

func (c *Client) once(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{Provider: c.cfg.Provider, Type: "request", Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Provider: c.cfg.Provider, Type: "transport", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Provider: c.cfg.Provider, Type: "transport", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &RequestError{
			Provider:   c.cfg.Provider,
			Type:       "http_error",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
	return body, nil
}

func (c *Client) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var re *RequestError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Type {
	case "transport":
		return true
	case "http_error":
		return isRetryableStatus(re.StatusCode)
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if backoff > c.cfg.BackoffMax {
		backoff = c.cfg.BackoffMax
	}
	// up to 10% jitter
	return backoff + time.Duration(rand.Float64()*0.1*float64(backoff))
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RequestError describes a failed provider request.
type RequestError struct {
	Provider   string `json:"provider"`
	Type       string `json:"type"` // rate_limit, circuit, request, transport, http_error
	StatusCode int    `json:"status_code,omitempty"`
	Err        error  `json:"-"`
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s %s (HTTP %d): %v", e.Provider, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Type, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether the request was refused by the breaker.
func (e *RequestError) IsCircuitOpen() bool {
	return e.Type == "circuit"
}
