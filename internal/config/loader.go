package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BIDENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known BIDENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BIDENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BIDENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BIDENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BIDENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BIDENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BIDENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BIDENGINE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BIDENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BIDENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BIDENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BIDENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BIDENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BIDENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BIDENGINE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "BIDENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BIDENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BIDENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "BIDENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BIDENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BIDENGINE_S3_SECRET_KEY")

	// ── Engine ──
	setDuration(&cfg.Engine.SnipeWindow, "BIDENGINE_ENGINE_SNIPE_WINDOW")
	setDuration(&cfg.Engine.ExtensionIncrement, "BIDENGINE_ENGINE_EXTENSION_INCREMENT")
	setInt(&cfg.Engine.MaxExtensions, "BIDENGINE_ENGINE_MAX_EXTENSIONS")
	setDuration(&cfg.Engine.VelocityInterval, "BIDENGINE_ENGINE_VELOCITY_INTERVAL")
	setFloat64(&cfg.Engine.FraudThreshold, "BIDENGINE_ENGINE_FRAUD_THRESHOLD")

	// ── Collaborators ──
	setStr(&cfg.Risk.BaseURL, "BIDENGINE_RISK_BASE_URL")
	setStr(&cfg.Risk.APIKey, "BIDENGINE_RISK_API_KEY")
	setStr(&cfg.Fx.BaseURL, "BIDENGINE_FX_BASE_URL")
	setStr(&cfg.Fx.APIKey, "BIDENGINE_FX_API_KEY")
	setStr(&cfg.Settlement.BaseURL, "BIDENGINE_SETTLEMENT_BASE_URL")
	setStr(&cfg.Settlement.APIKey, "BIDENGINE_SETTLEMENT_API_KEY")
	setStr(&cfg.Ledger.BaseURL, "BIDENGINE_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.APIKey, "BIDENGINE_LEDGER_API_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BIDENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BIDENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BIDENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "BIDENGINE_SERVER_ADMIN_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BIDENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BIDENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BIDENGINE_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.Mode, "BIDENGINE_MODE")
	setStr(&cfg.LogLevel, "BIDENGINE_LOG_LEVEL")
}

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
