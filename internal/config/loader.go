package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LPKEEPER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy values
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LPKEEPER_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "LPKEEPER_CHAIN_ID")
	setStr(&cfg.Chain.PositionManager, "LPKEEPER_CHAIN_POSITION_MANAGER")
	setStr(&cfg.Chain.Pool, "LPKEEPER_CHAIN_POOL")
	setFloat64(&cfg.Chain.RequestsPerSecond, "LPKEEPER_CHAIN_REQUESTS_PER_SECOND")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "LPKEEPER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeyFile, "LPKEEPER_WALLET_KEY_FILE")
	setStr(&cfg.Wallet.KeyPassword, "LPKEEPER_WALLET_KEY_PASSWORD")

	// ── Strategy ──
	setStr(&cfg.Strategy.Layout, "LPKEEPER_STRATEGY_LAYOUT")
	setInt64(&cfg.Strategy.LegWidth, "LPKEEPER_STRATEGY_LEG_WIDTH")
	setDecimal(&cfg.Strategy.Capital, "LPKEEPER_STRATEGY_CAPITAL")
	setBool(&cfg.Strategy.CurveAugment, "LPKEEPER_STRATEGY_CURVE_AUGMENT")

	// ── Extraction ──
	setDuration(&cfg.Extraction.Interval, "LPKEEPER_EXTRACTION_INTERVAL")
	setDecimal(&cfg.Extraction.Threshold, "LPKEEPER_EXTRACTION_THRESHOLD")
	setDecimal(&cfg.Extraction.PriceX, "LPKEEPER_EXTRACTION_PRICE_X")
	setDecimal(&cfg.Extraction.PriceY, "LPKEEPER_EXTRACTION_PRICE_Y")

	// ── Persistence ──
	setStr(&cfg.Persistence.Backend, "LPKEEPER_PERSISTENCE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LPKEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LPKEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LPKEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LPKEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LPKEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LPKEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LPKEEPER_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "LPKEEPER_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LPKEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LPKEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LPKEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LPKEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LPKEEPER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "LPKEEPER_S3_FORCE_PATH_STYLE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LPKEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LPKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LPKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LPKEEPER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "LPKEEPER_REDIS_TLS_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LPKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LPKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LPKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LPKEEPER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LPKEEPER_MODE")
	setStr(&cfg.LogLevel, "LPKEEPER_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
