// Package config defines the configuration of a copyvault node and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYVAULT_* environment variables.
type Config struct {
	Vault    VaultConfig    `toml:"vault"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	LevelDB  LevelDBConfig  `toml:"leveldb"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Oracle   OracleConfig   `toml:"oracle"`
	Watcher  WatcherConfig  `toml:"watcher"`
	Relayer  RelayerConfig  `toml:"relayer"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VaultConfig holds vault defaults.
type VaultConfig struct {
	// DefaultPolicy applies to vaults opened without an explicit policy:
	// "full_pool" or "partial".
	DefaultPolicy string `toml:"default_policy"`
	// Decimals is the number of decimals of the collateral token, used only
	// for human-readable amounts in notifications.
	Decimals int `toml:"decimals"`
	// ReconcileInterval is how often settled payouts are transferred again
	// to the treasury. Transfers are keyed, so a repeat credits nothing.
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// StorageConfig selects the journal and condition store backend.
type StorageConfig struct {
	Driver string `toml:"driver"` // "postgres" or "leveldb"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// LevelDBConfig holds the embedded store location.
type LevelDBConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Without Redis a node runs
// without cross-process vault locks, the live event bus and the API rate
// limiter.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters for the journal
// archive.
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

// OracleConfig selects where resolution values come from.
type OracleConfig struct {
	// Source is "fixed" (values set through the API, kept in memory) or
	// "redis" (values read from the shared price cache).
	Source string   `toml:"source"`
	MaxAge duration `toml:"max_age"`
}

// WatcherConfig tunes the resolution watcher.
type WatcherConfig struct {
	PollInterval duration `toml:"poll_interval"`
	// Grace is how long past its settlement time a condition may stay
	// unresolved before its wagers are reported expired.
	Grace duration `toml:"grace"`
}

// RelayerConfig holds the settlement relayer identity and pool size.
type RelayerConfig struct {
	Enabled bool `toml:"enabled"`
	Workers int  `toml:"workers"`
	// RetryInterval is how often resolved wagers with unsettled
	// participants are relayed again.
	RetryInterval    duration `toml:"retry_interval"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ArchiveConfig schedules the journal export to S3.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
	// Cron has six fields, seconds first.
	Cron string   `toml:"cron"`
	Lag  duration `toml:"lag"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of requests a caller may make per RateWindow.
	// Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// SignatureMaxSkew bounds the age of a signed request timestamp.
	SignatureMaxSkew duration `toml:"signature_max_skew"`
	// AdminAddresses may prepare conditions and publish oracle values.
	AdminAddresses []string `toml:"admin_addresses"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{
			DefaultPolicy:     "full_pool",
			Decimals:          6,
			ReconcileInterval: duration{5 * time.Minute},
		},
		Storage: StorageConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "copyvault",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		LevelDB: LevelDBConfig{Path: "data/copyvault.ldb"},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "copyvault",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copyvault-journals",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Source: "fixed",
			MaxAge: duration{5 * time.Minute},
		},
		Watcher: WatcherConfig{
			PollInterval: duration{15 * time.Second},
			Grace:        duration{24 * time.Hour},
		},
		Relayer: RelayerConfig{
			Enabled:       false,
			Workers:       4,
			RetryInterval: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Cron:    "0 0 3 * * *",
			Lag:     duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:        120,
			RateWindow:       duration{time.Minute},
			SignatureMaxSkew: duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"claim_settled", "wager_expired"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true, // HTTP API only
	"watch": true, // resolution watcher, relayer and archive only
	"full":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, watch, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Vault.DefaultPolicy {
	case "full_pool", "partial":
	default:
		errs = append(errs, fmt.Sprintf("vault: unknown default_policy %q (valid: full_pool, partial)", c.Vault.DefaultPolicy))
	}
	if c.Vault.Decimals < 0 || c.Vault.Decimals > 36 {
		errs = append(errs, "vault: decimals must be 0-36")
	}
	if c.Vault.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "vault: reconcile_interval must be > 0")
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: dsn or host must be set")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0-pool_max_conns")
		}
	case "leveldb":
		if c.LevelDB.Path == "" {
			errs = append(errs, "leveldb: path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, leveldb)", c.Storage.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	switch c.Oracle.Source {
	case "fixed":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "oracle: source \"redis\" requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: fixed, redis)", c.Oracle.Source))
	}

	if c.Watcher.PollInterval.Duration <= 0 {
		errs = append(errs, "watcher: poll_interval must be > 0")
	}
	if c.Watcher.Grace.Duration < 0 {
		errs = append(errs, "watcher: grace must be >= 0")
	}

	if c.Relayer.Enabled {
		if c.Relayer.PrivateKey == "" && c.Relayer.EncryptedKeyPath == "" {
			errs = append(errs, "relayer: either private_key or encrypted_key_path must be set")
		}
		if c.Relayer.EncryptedKeyPath != "" && c.Relayer.KeyPassword == "" {
			errs = append(errs, "relayer: key_password is required when encrypted_key_path is set")
		}
		if c.Relayer.Workers < 1 {
			errs = append(errs, "relayer: workers must be >= 1")
		}
		if c.Relayer.RetryInterval.Duration <= 0 {
			errs = append(errs, "relayer: retry_interval must be > 0")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: invalid cron %q: %v", c.Archive.Cron, err))
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled (set rate_limit = 0 to disable)")
		}
		for _, a := range c.Server.AdminAddresses {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Sprintf("server: admin address %q is not a hex address", a))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
