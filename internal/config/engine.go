package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/ares/internal/domain"
)

// EngineConfig is the index policy and runtime configuration
type EngineConfig struct {
	Ares       AresConfig       `yaml:"ares"`
	Governance GovernanceConfig `yaml:"governance"`
	Index      IndexConfig      `yaml:"index"`
	Storage    StorageConfig    `yaml:"storage"`
	Lock       LockConfig       `yaml:"lock"`
	Cache      CacheConfig      `yaml:"cache"`
}

// AresConfig holds the consensus policy
type AresConfig struct {
	TolerancePercent float64 `yaml:"tolerance_percent"`
	Quorum           int     `yaml:"quorum"`
}

// GovernanceConfig holds the scheduled rebalance gates
type GovernanceConfig struct {
	RebalanceStartHour int `yaml:"rebalance_start_hour"` // UTC, inclusive
	RebalanceEndHour   int `yaml:"rebalance_end_hour"`   // UTC, exclusive
	CooldownDays       int `yaml:"cooldown_days"`
	LockLeaseMinutes   int `yaml:"lock_lease_minutes"` // Lifetime of an in-flight claim
}

// IndexConfig holds the published index settings
type IndexConfig struct {
	BaseValue          float64 `yaml:"base_value"`
	Symbol             string  `yaml:"symbol"`
	Interval           string  `yaml:"interval"`
	DashboardMaxPoints int     `yaml:"dashboard_max_points"`
	DashboardDir       string  `yaml:"dashboard_dir"`
}

// StorageConfig selects the governance state backend
type StorageConfig struct {
	Backend  string         `yaml:"backend"` // file | postgres
	DataDir  string         `yaml:"data_dir"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// LockConfig selects the rebalance lock backend
type LockConfig struct {
	Backend   string `yaml:"backend"` // file | redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Key       string `yaml:"key"`
}

// CacheConfig configures the coin-list cache
type CacheConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// Cooldown returns the minimum interval between scheduled rebalances
func (g GovernanceConfig) Cooldown() time.Duration {
	return time.Duration(g.CooldownDays) * 24 * time.Hour
}

// LockLease returns how long an in-flight claim blocks other runs
func (g GovernanceConfig) LockLease() time.Duration {
	return time.Duration(g.LockLeaseMinutes) * time.Minute
}

// QueryTimeout returns the per-query deadline
func (p PostgresConfig) QueryTimeout() time.Duration {
	return time.Duration(p.QueryTimeoutMS) * time.Millisecond
}

// DefaultEngineConfig returns the reference policy
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Ares: AresConfig{TolerancePercent: 5, Quorum: 2},
		Governance: GovernanceConfig{
			RebalanceStartHour: 13,
			RebalanceEndHour:   16,
			CooldownDays:       14,
			LockLeaseMinutes:   30,
		},
		Index: IndexConfig{
			BaseValue:          1000.0,
			Symbol:             "CRYP_INDEX",
			Interval:           "30m",
			DashboardMaxPoints: 2000,
			DashboardDir:       filepath.Join("docs", "data"),
		},
		Storage: StorageConfig{
			Backend: "file",
			DataDir: ".",
			Postgres: PostgresConfig{
				MaxOpenConns:   5,
				MaxIdleConns:   2,
				QueryTimeoutMS: 10000,
			},
		},
		Lock: LockConfig{Backend: "file", Key: "ares:rebalance.lock"},
	}
}

// LoadEngineConfig loads engine configuration from YAML file
func LoadEngineConfig(configPath string) (*EngineConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, domain.ConfigurationError("load config", err, "failed to read engine config %s", configPath)
	}

	config := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, domain.ConfigurationError("load config", err, "failed to parse engine config %s", configPath)
	}

	if err := config.Validate(); err != nil {
		return nil, domain.ConfigurationError("load config", domain.ErrInvalidConfig, "invalid engine config %s: %v", configPath, err)
	}

	return config, nil
}

// Validate ensures the configuration is valid and consistent
func (c *EngineConfig) Validate() error {
	if c.Ares.Quorum < 1 {
		return fmt.Errorf("ares quorum must be >= 1, got %d", c.Ares.Quorum)
	}
	if c.Ares.TolerancePercent <= 0 || c.Ares.TolerancePercent >= 100 {
		return fmt.Errorf("ares tolerance_percent must be in (0, 100), got %f", c.Ares.TolerancePercent)
	}

	g := c.Governance
	if g.RebalanceStartHour < 0 || g.RebalanceStartHour > 23 {
		return fmt.Errorf("rebalance_start_hour must be between 0 and 23, got %d", g.RebalanceStartHour)
	}
	if g.RebalanceEndHour < 1 || g.RebalanceEndHour > 24 || g.RebalanceEndHour <= g.RebalanceStartHour {
		return fmt.Errorf("rebalance_end_hour (%d) must be in (start_hour, 24]", g.RebalanceEndHour)
	}
	if g.CooldownDays < 0 {
		return fmt.Errorf("cooldown_days cannot be negative, got %d", g.CooldownDays)
	}
	if g.LockLeaseMinutes <= 0 {
		return fmt.Errorf("lock_lease_minutes must be positive, got %d", g.LockLeaseMinutes)
	}

	if c.Index.BaseValue <= 0 {
		return fmt.Errorf("index base_value must be positive, got %f", c.Index.BaseValue)
	}
	if c.Index.DashboardMaxPoints <= 0 {
		return fmt.Errorf("index dashboard_max_points must be positive, got %d", c.Index.DashboardMaxPoints)
	}

	switch c.Storage.Backend {
	case "file":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage postgres dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case "file":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	return nil
}

// Config bundles every configuration file the engine reads
type Config struct {
	Engine    *EngineConfig
	Providers *ProvidersConfig
}

// Load reads engine.yaml and providers.yaml from dir. A missing engine.yaml
// falls back to the reference policy.
func Load(dir string) (*Config, error) {
	enginePath := filepath.Join(dir, "engine.yaml")
	engine := DefaultEngineConfig()
	if _, err := os.Stat(enginePath); err == nil {
		if engine, err = LoadEngineConfig(enginePath); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, domain.ConfigurationError("load config", err, "failed to stat engine config %s", enginePath)
	}

	providers, err := LoadProvidersConfig(filepath.Join(dir, "providers.yaml"))
	if err != nil {
		return nil, err
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" && engine.Cache.RedisAddr == "" {
		engine.Cache.RedisAddr = addr
	}

	return &Config{Engine: engine, Providers: providers}, nil
}
