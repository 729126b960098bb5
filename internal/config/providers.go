package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/ares/internal/domain"
)

// ProvidersConfig represents the complete provider configuration
type ProvidersConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Valuation ValuationConfig  `yaml:"valuation"`
	Global    GlobalConfig     `yaml:"global"`
}

// ProviderConfig represents configuration for a single market-cap provider
type ProviderConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	APIURL        string        `yaml:"api_url"`
	VsCurrency    string        `yaml:"vs_currency"`
	TopN          int           `yaml:"top_n"`          // Assets requested per run
	RPS           float64       `yaml:"rps"`            // Requests per second
	Burst         int           `yaml:"burst"`          // Burst capacity
	TimeoutMS     int           `yaml:"timeout_ms"`     // Per-provider fetch timeout
	MaxRetries    int           `yaml:"max_retries"`    // Retries on transient HTTP failures
	CredentialEnv string        `yaml:"credential_env"` // Env var holding the API key, if any
	Circuit       CircuitConfig `yaml:"circuit"`
}

// CircuitConfig represents circuit breaker configuration
type CircuitConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"` // Consecutive failures to open circuit
	OpenTimeoutMS    int    `yaml:"open_timeout_ms"`   // Time before a half-open probe
}

// ValuationConfig points the portfolio valuation collaborator at CoinGecko
type ValuationConfig struct {
	CoinsListURL  string `yaml:"coins_list_url"`
	MarketsURL    string `yaml:"markets_url"`
	VsCurrency    string `yaml:"vs_currency"`
	PerPage       int    `yaml:"per_page"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	CoinListTTLMS int    `yaml:"coin_list_ttl_ms"`
}

// GlobalConfig represents global provider settings
type GlobalConfig struct {
	UserAgent string `yaml:"user_agent"`
}

// Timeout returns the per-provider fetch timeout
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// LoadProvidersConfig loads provider configuration from YAML file
func LoadProvidersConfig(configPath string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, domain.ConfigurationError("load config", err, "failed to read providers config %s", configPath)
	}

	config := DefaultProvidersConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, domain.ConfigurationError("load config", err, "failed to parse providers config %s", configPath)
	}

	if err := config.Validate(); err != nil {
		return nil, domain.ConfigurationError("load config", domain.ErrInvalidConfig, "invalid providers config %s: %v", configPath, err)
	}

	return config, nil
}

// DefaultProvidersConfig returns defaults applied before the file is decoded
func DefaultProvidersConfig() *ProvidersConfig {
	return &ProvidersConfig{
		Valuation: ValuationConfig{
			CoinsListURL:  "https://api.coingecko.com/api/v3/coins/list",
			MarketsURL:    "https://api.coingecko.com/api/v3/coins/markets",
			VsCurrency:    "usd",
			PerPage:       250,
			TimeoutMS:     30000,
			CoinListTTLMS: int((6 * time.Hour) / time.Millisecond),
		},
		Global: GlobalConfig{UserAgent: "ARES-Index/1.0"},
	}
}

// Validate ensures the configuration is valid and consistent
func (c *ProvidersConfig) Validate() error {
	if c.Global.UserAgent == "" {
		return fmt.Errorf("global user_agent cannot be empty")
	}

	seen := make(map[string]bool)
	enabled := 0
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if c.Valuation.CoinsListURL == "" || c.Valuation.MarketsURL == "" {
		return fmt.Errorf("valuation urls cannot be empty")
	}
	if c.Valuation.PerPage <= 0 {
		return fmt.Errorf("valuation per_page must be positive, got %d", c.Valuation.PerPage)
	}

	return nil
}

// Validate ensures a provider configuration is valid
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if p.APIURL == "" {
		return fmt.Errorf("api_url cannot be empty")
	}
	if p.TopN <= 0 {
		return fmt.Errorf("top_n must be positive, got %d", p.TopN)
	}
	if p.VsCurrency == "" {
		p.VsCurrency = "usd"
	}
	if p.RPS <= 0 {
		p.RPS = 1
	}
	if p.Burst < 1 {
		p.Burst = 1
	}
	if p.TimeoutMS <= 0 {
		p.TimeoutMS = 30000
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", p.MaxRetries)
	}
	if p.Circuit.FailureThreshold == 0 {
		p.Circuit.FailureThreshold = 3
	}
	if p.Circuit.OpenTimeoutMS <= 0 {
		p.Circuit.OpenTimeoutMS = 60000
	}
	return nil
}

// EnabledProviders returns the providers that take part in a run
func (c *ProvidersConfig) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
