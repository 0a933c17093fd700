// Package config defines the top-level configuration for the bidding engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by BIDENGINE_* environment
// variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Engine     EngineParams     `toml:"engine"`
	Risk       RiskConfig       `toml:"risk"`
	Fx         FxConfig         `toml:"fx"`
	Settlement SettlementConfig `toml:"settlement"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the retention
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RankWeights are the composite-score weights used by the priority ranker.
type RankWeights struct {
	Amount     float64 `toml:"amount" json:"amount"`
	WinRate    float64 `toml:"win_rate" json:"win_rate"`
	Engagement float64 `toml:"engagement" json:"engagement"`
	Regional   float64 `toml:"regional" json:"regional"`
}

// EngineParams are the tunable auction parameters. They are hot-reloadable:
// the running engine reads them through a params Holder that can be swapped
// without restarting in-flight actors.
type EngineParams struct {
	// SnipeWindow is how close to the end time a bid must land to trigger an
	// extension.
	SnipeWindow duration `toml:"snipe_window" json:"snipe_window"`
	// ExtensionIncrement is added to the end time per snipe extension.
	ExtensionIncrement duration `toml:"extension_increment" json:"extension_increment"`
	// MaxExtensions caps the total number of snipe extensions per auction.
	MaxExtensions int `toml:"max_extensions" json:"max_extensions"`
	// VelocityInterval is the minimum spacing between two bids from the same
	// bidder on the same auction.
	VelocityInterval duration `toml:"velocity_interval" json:"velocity_interval"`
	// FraudThreshold rejects bids whose risk score exceeds it.
	FraudThreshold float64 `toml:"fraud_threshold" json:"fraud_threshold"`
	// SubmitTimeout bounds the whole evaluation of one bid.
	SubmitTimeout duration `toml:"submit_timeout" json:"submit_timeout"`
	// InboxSize is the per-actor queue depth for pending submissions.
	InboxSize int `toml:"inbox_size" json:"inbox_size"`
	// Weights are the priority-ranker composite weights.
	Weights RankWeights `toml:"weights" json:"weights"`
	// RegionWeights maps a bidder region to its ranking multiplier. Regions
	// not listed use 1.0.
	RegionWeights map[string]float64 `toml:"region_weights" json:"region_weights"`
}

// RiskConfig holds the external risk-screen endpoint parameters.
type RiskConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// FxConfig holds the external currency-rate endpoint parameters.
type FxConfig struct {
	BaseURL  string   `toml:"base_url"`
	APIKey   string   `toml:"api_key"`
	Timeout  duration `toml:"timeout"`
	CacheTTL duration `toml:"cache_ttl"`
}

// SettlementConfig holds the external settlement endpoint parameters.
type SettlementConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// LedgerConfig holds the transparency-ledger endpoint and retry parameters.
type LedgerConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	QueueSize   int      `toml:"queue_size"`
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase duration `toml:"backoff_base"`
}

// ArchiveConfig holds retention-archiver parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AdminAPIKey string   `toml:"admin_api_key"`
	// RateLimit is API requests per second per client IP. Zero disables
	// throttling.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds operational alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Load applies these before reading the config file.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bidengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bidengine-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineParams{
			SnipeWindow:        duration{30 * time.Second},
			ExtensionIncrement: duration{5 * time.Minute},
			MaxExtensions:      6,
			VelocityInterval:   duration{time.Second},
			FraudThreshold:     0.8,
			SubmitTimeout:      duration{5 * time.Second},
			InboxSize:          256,
			Weights: RankWeights{
				Amount:     0.60,
				WinRate:    0.15,
				Engagement: 0.15,
				Regional:   0.10,
			},
			RegionWeights: map[string]float64{},
		},
		Risk: RiskConfig{
			Timeout: duration{2 * time.Second},
		},
		Fx: FxConfig{
			Timeout:  duration{2 * time.Second},
			CacheTTL: duration{5 * time.Minute},
		},
		Settlement: SettlementConfig{
			Timeout: duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			Timeout:     duration{5 * time.Second},
			QueueSize:   1024,
			MaxAttempts: 5,
			BackoffBase: duration{time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   50,
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_timeout", "ledger_flagged", "risk_outage"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"engine": true,
	"api":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, engine, api)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Engine params
	errs = append(errs, c.Engine.validate()...)

	// Collaborator endpoints
	if c.Risk.BaseURL == "" {
		errs = append(errs, "risk: base_url must not be empty")
	}
	if c.Settlement.BaseURL == "" {
		errs = append(errs, "settlement: base_url must not be empty")
	}
	if c.Ledger.BaseURL == "" {
		errs = append(errs, "ledger: base_url must not be empty")
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, "ledger: max_attempts must be >= 1")
	}
	if c.Ledger.QueueSize < 1 {
		errs = append(errs, "ledger: queue_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validate checks the engine params in isolation so the hot-reload path can
// reuse it before swapping new params in.
func (p *EngineParams) validate() []string {
	var errs []string

	if p.SnipeWindow.Duration <= 0 {
		errs = append(errs, "engine: snipe_window must be > 0")
	}
	if p.ExtensionIncrement.Duration <= 0 {
		errs = append(errs, "engine: extension_increment must be > 0")
	}
	if p.MaxExtensions < 0 {
		errs = append(errs, "engine: max_extensions must be >= 0")
	}
	if p.VelocityInterval.Duration <= 0 {
		errs = append(errs, "engine: velocity_interval must be > 0")
	}
	if p.FraudThreshold <= 0 || p.FraudThreshold > 1 {
		errs = append(errs, fmt.Sprintf("engine: fraud_threshold must be in (0,1], got %v", p.FraudThreshold))
	}
	if p.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "engine: submit_timeout must be > 0")
	}
	if p.InboxSize < 1 {
		errs = append(errs, "engine: inbox_size must be >= 1")
	}
	w := p.Weights
	if w.Amount < 0 || w.WinRate < 0 || w.Engagement < 0 || w.Regional < 0 {
		errs = append(errs, "engine: ranking weights must be non-negative")
	}
	if w.Amount+w.WinRate+w.Engagement+w.Regional <= 0 {
		errs = append(errs, "engine: at least one ranking weight must be positive")
	}
	for region, mult := range p.RegionWeights {
		if mult <= 0 {
			errs = append(errs, fmt.Sprintf("engine: region_weights[%s] must be > 0, got %v", region, mult))
		}
	}

	return errs
}

// Validate checks a standalone EngineParams value, used by the hot-reload
// handler before applying new params.
func (p *EngineParams) Validate() error {
	if errs := p.validate(); len(errs) > 0 {
		return fmt.Errorf("engine params validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
