// Package config defines the keeper's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LPKEEPER_* environment variables.
type Config struct {
	Chain       ChainConfig       `toml:"chain"`
	Wallet      WalletConfig      `toml:"wallet"`
	Strategy    StrategyConfig    `toml:"strategy"`
	Retry       RetryConfig       `toml:"retry"`
	Extraction  ExtractionConfig  `toml:"extraction"`
	Cache       CacheConfig       `toml:"cache"`
	Persistence PersistenceConfig `toml:"persistence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	S3          S3Config          `toml:"s3"`
	Redis       RedisConfig       `toml:"redis"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// ChainConfig points the keeper at a chain, its position manager and the
// pool it manages.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	PositionManager   string   `toml:"position_manager"`
	Pool              string   `toml:"pool"`
	TokenXDecimals    int32    `toml:"token_x_decimals"`
	TokenYDecimals    int32    `toml:"token_y_decimals"`
	GasLimit          uint64   `toml:"gas_limit"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	ReceiptTimeout    duration `toml:"receipt_timeout"`
	ReceiptPoll       duration `toml:"receipt_poll"`
}

// WalletConfig says where the signing key comes from.
type WalletConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// StrategyConfig shapes the multi-leg position opened by the open mode.
type StrategyConfig struct {
	Layout       string          `toml:"layout"`
	LegWidth     int64           `toml:"leg_width"`
	Capital      decimal.Decimal `toml:"capital"`
	Split        []float64       `toml:"split"`
	CurveAugment bool            `toml:"curve_augment"`
}

// PolicyConfig overrides one retry policy. Zero values keep the default.
type PolicyConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Delay       duration `toml:"delay"`
}

// RetryConfig overrides the built-in retry policies.
type RetryConfig struct {
	CreatePosition PolicyConfig `toml:"create_position"`
	AddLiquidity   PolicyConfig `toml:"add_liquidity"`
	ClosePosition  PolicyConfig `toml:"close_position"`
	MultiLeg       PolicyConfig `toml:"multi_leg"`
	Extraction     PolicyConfig `toml:"extraction"`
}

// ExtractionConfig drives the monitor loop and fee valuation.
type ExtractionConfig struct {
	Interval   duration        `toml:"interval"`
	Threshold  decimal.Decimal `toml:"threshold"`
	StaleAfter duration        `toml:"stale_after"`
	LockTTL    duration        `toml:"lock_ttl"`
	PriceX     decimal.Decimal `toml:"price_x"`
	PriceY     decimal.Decimal `toml:"price_y"`
}

// CacheConfig tunes the on-chain read cache.
type CacheConfig struct {
	OnChainTTL      duration `toml:"onchain_ttl"`
	ActiveBinTTL    duration `toml:"active_bin_ttl"`
	ReadConcurrency int      `toml:"read_concurrency"`
}

// PersistenceConfig selects where the ledger, extraction state and positions
// live.
type PersistenceConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds connection parameters for Postgres.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RedisConfig holds Redis settings. Redis is optional: when disabled, locks
// are process-local and events are not published.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var validModes = map[string]bool{
	"monitor":   true,
	"open":      true,
	"close":     true,
	"report":    true,
	"reconcile": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// layoutLegs maps each layout to its primary leg count.
var layoutLegs = map[string]int{
	"chain":      2,
	"upper_only": 1,
	"lower_only": 1,
}

var validBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
	"s3":       true,
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:           1,
			TokenXDecimals:    18,
			TokenYDecimals:    6,
			GasLimit:          600_000,
			RequestsPerSecond: 10,
			Burst:             5,
			ReceiptTimeout:    duration{90 * time.Second},
			ReceiptPoll:       duration{2 * time.Second},
		},
		Strategy: StrategyConfig{
			Layout:       "chain",
			LegWidth:     69,
			Split:        []float64{0.2, 0.6, 0.2},
			CurveAugment: true,
		},
		Extraction: ExtractionConfig{
			Interval:   duration{5 * time.Minute},
			Threshold:  decimal.NewFromInt(10),
			StaleAfter: duration{10 * time.Minute},
			LockTTL:    duration{2 * time.Minute},
			PriceX:     decimal.NewFromInt(1),
			PriceY:     decimal.NewFromInt(1),
		},
		Cache: CacheConfig{
			OnChainTTL:      duration{30 * time.Second},
			ActiveBinTTL:    duration{5 * time.Second},
			ReadConcurrency: 8,
		},
		Persistence: PersistenceConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "lpkeeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "lpkeeper",
			UseSSL: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "lpkeeper:",
		},
		Notify: NotifyConfig{
			Events:    []string{"extraction_finished", "leg_closed"},
			QueueSize: 256,
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// Validate checks the configuration for logical errors and returns every
// problem it finds in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, open, close, report, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.PositionManager == "" {
		errs = append(errs, "chain: position_manager must not be empty")
	}
	if c.Chain.Pool == "" {
		errs = append(errs, "chain: pool must not be empty")
	}
	if c.Chain.TokenXDecimals < 0 || c.Chain.TokenYDecimals < 0 {
		errs = append(errs, "chain: token decimals must be >= 0")
	}

	// Wallet; report is the only mode that never signs.
	if c.Mode != "report" {
		if c.Wallet.PrivateKey == "" && c.Wallet.KeyFile == "" {
			errs = append(errs, "wallet: either private_key or key_file must be set for mode "+c.Mode)
		}
		if c.Wallet.KeyFile != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when key_file is set")
		}
	}

	// Strategy
	legs, knownLayout := layoutLegs[c.Strategy.Layout]
	if !knownLayout {
		errs = append(errs, fmt.Sprintf("strategy: unknown layout %q (valid: chain, upper_only, lower_only)", c.Strategy.Layout))
	}
	if c.Strategy.LegWidth <= 0 {
		errs = append(errs, "strategy: leg_width must be > 0")
	}
	if c.Mode == "open" && !c.Strategy.Capital.IsPositive() {
		errs = append(errs, "strategy: capital must be > 0 for mode open")
	}
	if len(c.Strategy.Split) == 0 {
		errs = append(errs, "strategy: split must not be empty")
	} else if knownLayout {
		// curve_augment funds one extra trailing share
		if c.Strategy.CurveAugment {
			legs++
		}
		if len(c.Strategy.Split) != legs {
			errs = append(errs, fmt.Sprintf("strategy: layout %s with curve_augment=%t needs %d split entries, got %d",
				c.Strategy.Layout, c.Strategy.CurveAugment, legs, len(c.Strategy.Split)))
		}
	}

	// Retry
	for _, p := range []struct {
		name string
		PolicyConfig
	}{
		{"create_position", c.Retry.CreatePosition},
		{"add_liquidity", c.Retry.AddLiquidity},
		{"close_position", c.Retry.ClosePosition},
		{"multi_leg", c.Retry.MultiLeg},
		{"extraction", c.Retry.Extraction},
	} {
		if p.MaxAttempts < 0 || p.Delay.Duration < 0 {
			errs = append(errs, fmt.Sprintf("retry.%s: max_attempts and delay must be >= 0", p.name))
		}
	}

	// Extraction
	if c.Extraction.Interval.Duration <= 0 {
		errs = append(errs, "extraction: interval must be > 0")
	}
	if c.Extraction.Threshold.IsNegative() {
		errs = append(errs, "extraction: threshold must be >= 0")
	}
	if c.Extraction.StaleAfter.Duration <= 0 {
		errs = append(errs, "extraction: stale_after must be > 0")
	}
	if c.Extraction.PriceX.IsNegative() || c.Extraction.PriceY.IsNegative() {
		errs = append(errs, "extraction: prices must be >= 0")
	}

	// Cache
	if c.Cache.OnChainTTL.Duration <= 0 || c.Cache.ActiveBinTTL.Duration <= 0 {
		errs = append(errs, "cache: onchain_ttl and active_bin_ttl must be > 0")
	}
	if c.Cache.ReadConcurrency < 1 {
		errs = append(errs, "cache: read_concurrency must be >= 1")
	}

	// Persistence
	if !validBackends[c.Persistence.Backend] {
		errs = append(errs, fmt.Sprintf("persistence: unknown backend %q (valid: memory, postgres, s3)", c.Persistence.Backend))
	}
	switch c.Persistence.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
