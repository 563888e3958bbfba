// Package config defines all configuration for the race engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with every
// key overridable via RACEBOT_* environment variables, e.g.
// RACEBOT_LEDGER_BASE_URL or RACEBOT_RACE_CLAIM_WORKERS.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"racebot/internal/fees"
	"racebot/internal/flood"
	"racebot/internal/pool"
	"racebot/internal/race"
	"racebot/internal/ratelimit"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool             `mapstructure:"dry_run"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Race      race.Config      `mapstructure:"race"`
	Fees      fees.Config      `mapstructure:"fees"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Flood     flood.Config     `mapstructure:"flood"`
	Pool      pool.Config      `mapstructure:"pool"`
	Store     StoreConfig      `mapstructure:"store"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Server    ServerConfig     `mapstructure:"server"`
}

// LedgerConfig points at the ledger network.
//
//   - BaseURL: REST endpoint for claims and transfers.
//   - MempoolWSURL: websocket feed of pending transactions; empty disables
//     competitor fee tracking.
//   - MinCompetitorFee: mempool fees at or below this are ignored.
//   - OwnAddresses: our own accounts, never counted as competitors.
type LedgerConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryCount       int           `mapstructure:"retry_count"`
	MempoolWSURL     string        `mapstructure:"mempool_ws_url"`
	MinCompetitorFee uint64        `mapstructure:"min_competitor_fee"`
	OwnAddresses     []string      `mapstructure:"own_addresses"`
}

// StoreConfig sets where the fee history is persisted (JSON file).
type StoreConfig struct {
	DataDir      string        `mapstructure:"data_dir"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the HTTP/WebSocket front door.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default returns a config with every default applied.
func Default() Config {
	return Config{
		DryRun: true,
		Ledger: LedgerConfig{
			Timeout:          10 * time.Second,
			MinCompetitorFee: 1_000_000,
		},
		Race:      race.DefaultConfig(),
		Fees:      fees.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Flood:     flood.DefaultConfig(),
		Pool:      pool.DefaultConfig(),
		Store: StoreConfig{
			DataDir:      "data",
			SaveInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{Enabled: true, Port: 8080},
	}
}

// setDefaults registers every key so env overrides apply even when the
// file omits it.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("dry_run", d.DryRun)

	v.SetDefault("ledger.base_url", d.Ledger.BaseURL)
	v.SetDefault("ledger.timeout", d.Ledger.Timeout)
	v.SetDefault("ledger.retry_count", d.Ledger.RetryCount)
	v.SetDefault("ledger.mempool_ws_url", d.Ledger.MempoolWSURL)
	v.SetDefault("ledger.min_competitor_fee", d.Ledger.MinCompetitorFee)
	v.SetDefault("ledger.own_addresses", []string{})

	for name, k := range map[string]race.KindConfig{"claim": d.Race.Claim, "transfer": d.Race.Transfer} {
		p := "race." + name + "."
		v.SetDefault(p+"workers", k.Workers)
		v.SetDefault(p+"spawn_stagger", k.SpawnStagger)
		v.SetDefault(p+"retry.initial_delay", k.Retry.InitialDelay)
		v.SetDefault(p+"retry.max_delay", k.Retry.MaxDelay)
		v.SetDefault(p+"retry.max_attempts", k.Retry.MaxAttempts)
		v.SetDefault(p+"retry.backoff_multiplier", k.Retry.BackoffMultiplier)
	}
	v.SetDefault("race.rate_limited_delay", d.Race.RateLimitedDelay)
	v.SetDefault("race.network_delay", d.Race.NetworkDelay)
	v.SetDefault("race.endpoint", d.Race.Endpoint)

	v.SetDefault("fees.base_claim_fee", d.Fees.BaseClaimFee)
	v.SetDefault("fees.sponsor_multiplier", d.Fees.SponsorMultiplier)
	v.SetDefault("fees.premium_multiplier", d.Fees.PremiumMultiplier)
	v.SetDefault("fees.max_fee", d.Fees.MaxFee)
	v.SetDefault("fees.history_size", d.Fees.HistorySize)
	v.SetDefault("fees.seed_competitor_fees", d.Fees.SeedCompetitorFees)
	v.SetDefault("fees.congestion_refresh", d.Fees.CongestionRefresh)
	v.SetDefault("fees.congestion_min", d.Fees.CongestionMin)
	v.SetDefault("fees.congestion_max", d.Fees.CongestionMax)

	for name, q := range map[string]ratelimit.Quota{"claim": d.RateLimit.Claim, "transfer": d.RateLimit.Transfer, "api": d.RateLimit.API} {
		v.SetDefault("rate_limit."+name+".per_second", q.PerSecond)
		v.SetDefault("rate_limit."+name+".burst", q.Burst)
	}
	v.SetDefault("rate_limit.poll_interval", d.RateLimit.PollInterval)

	v.SetDefault("flood.threshold", d.Flood.Threshold)
	v.SetDefault("flood.window", d.Flood.Window)
	v.SetDefault("flood.backoff", d.Flood.Backoff)

	v.SetDefault("pool.max_connections", d.Pool.MaxConnections)
	v.SetDefault("pool.stale_after", d.Pool.StaleAfter)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.save_interval", d.Store.SaveInterval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", []string{})
}

// Load reads config from a YAML file with env var overrides. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RACEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun && c.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger.base_url is required unless dry_run is set (set RACEBOT_LEDGER_BASE_URL)")
	}
	if err := c.Race.Validate(); err != nil {
		return fmt.Errorf("race: %w", err)
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	for name, q := range map[string]ratelimit.Quota{"claim": c.RateLimit.Claim, "transfer": c.RateLimit.Transfer, "api": c.RateLimit.API} {
		if q.PerSecond <= 0 {
			return fmt.Errorf("rate_limit.%s.per_second must be > 0", name)
		}
	}
	if c.Flood.Threshold <= 0 {
		return fmt.Errorf("flood.threshold must be > 0")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be > 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
