// Package config defines all configuration for the strategy execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"strategy-runner/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Market  MarketConfig  `mapstructure:"market"`
	Brokers BrokerConfig  `mapstructure:"brokers"`
	Store   StoreConfig   `mapstructure:"store"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig tunes the execution engine workers.
//
//   - Workers: number of concurrent event-processing goroutines.
//   - LockWait: bounded wait for the per-strategy lock before re-enqueue.
//   - BrokerTimeout: wall-clock budget for a single broker order call.
//   - MaxAttempts: broker calls per logical intent before SAFETY_ABORT.
//   - RetryBackoff: delay before a RETRY event becomes eligible for dequeue.
//   - DrainTimeout: how long shutdown waits for in-flight events.
type EngineConfig struct {
	Workers       int           `mapstructure:"workers"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
	BrokerTimeout time.Duration `mapstructure:"broker_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// MarketConfig describes the trading session and the tick feed health policy.
//
//   - Timezone: IANA location all buy/sell times-of-day are interpreted in.
//   - WindowOpen/WindowClose: the trading window; BUY triggers outside the
//     window are logged and skipped at precondition time.
//   - StaleFeedAfter: no tick for a subscribed symbol within this duration
//     during the window marks the feed stale and suppresses stop-loss
//     evaluation until it recovers.
type MarketConfig struct {
	Timezone       string          `mapstructure:"timezone"`
	WindowOpen     types.TimeOfDay `mapstructure:"window_open"`
	WindowClose    types.TimeOfDay `mapstructure:"window_close"`
	StaleFeedAfter time.Duration   `mapstructure:"stale_feed_after"`
}

// BrokerConfig holds per-adapter endpoints. Credentials never live here;
// they come from the vault per call.
type BrokerConfig struct {
	Kite KiteConfig `mapstructure:"kite"`
}

// KiteConfig points at the Kite-style REST and tick-feed endpoints.
type KiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

// StoreConfig sets where strategies and the audit log are persisted.
type StoreConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	AuditDir string `mapstructure:"audit_dir"`
}

// VaultConfig locates the encrypted credential store. The master key is
// only ever read from the TRADER_VAULT_KEY environment variable.
type VaultConfig struct {
	Path      string `mapstructure:"path"`
	MasterKey string `mapstructure:"-"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_VAULT_KEY, TRADER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	// TimeOfDay fields decode through encoding.TextUnmarshaler ("09:15:00").
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADER_VAULT_KEY"); key != "" {
		cfg.Vault.MasterKey = key
	}
	if os.Getenv("TRADER_DRY_RUN") == "true" || os.Getenv("TRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.lock_wait", "3s")
	v.SetDefault("engine.broker_timeout", "2s")
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", "100ms")
	v.SetDefault("engine.drain_timeout", "10s")
	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("market.window_open", "09:15:00")
	v.SetDefault("market.window_close", "15:30:00")
	v.SetDefault("market.stale_feed_after", "5s")
	v.SetDefault("store.data_dir", "data/strategies")
	v.SetDefault("store.audit_dir", "data/audit")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be > 0")
	}
	if c.Engine.BrokerTimeout <= 0 {
		return fmt.Errorf("engine.broker_timeout must be > 0")
	}
	if c.Engine.LockWait <= 0 {
		return fmt.Errorf("engine.lock_wait must be > 0")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	if !c.Market.WindowOpen.Before(c.Market.WindowClose) {
		return fmt.Errorf("market.window_open must be before market.window_close")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.AuditDir == "" {
		return fmt.Errorf("store.audit_dir is required")
	}
	if !c.DryRun && c.Brokers.Kite.BaseURL == "" {
		return fmt.Errorf("brokers.kite.base_url is required outside dry-run")
	}
	return nil
}

// Location resolves the configured trading timezone. Validate guarantees it
// parses; the fallback exists only for zero-value configs in tests.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
