package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYVAULT_* environment variable overrides, and
// returns the final Config. An empty path uses the defaults alone. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYVAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vault ──
	setStr(&cfg.Vault.DefaultPolicy, "COPYVAULT_VAULT_DEFAULT_POLICY")
	setInt(&cfg.Vault.Decimals, "COPYVAULT_VAULT_DECIMALS")
	setDuration(&cfg.Vault.ReconcileInterval, "COPYVAULT_VAULT_RECONCILE_INTERVAL")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "COPYVAULT_STORAGE_DRIVER")
	setStr(&cfg.LevelDB.Path, "COPYVAULT_LEVELDB_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COPYVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "COPYVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYVAULT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYVAULT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYVAULT_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "COPYVAULT_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "COPYVAULT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COPYVAULT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COPYVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYVAULT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYVAULT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYVAULT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYVAULT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "COPYVAULT_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COPYVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYVAULT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "COPYVAULT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "COPYVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYVAULT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYVAULT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYVAULT_S3_FORCE_PATH_STYLE")

	// ── Oracle / watcher ──
	setStr(&cfg.Oracle.Source, "COPYVAULT_ORACLE_SOURCE")
	setDuration(&cfg.Oracle.MaxAge, "COPYVAULT_ORACLE_MAX_AGE")
	setDuration(&cfg.Watcher.PollInterval, "COPYVAULT_WATCHER_POLL_INTERVAL")
	setDuration(&cfg.Watcher.Grace, "COPYVAULT_WATCHER_GRACE")

	// ── Relayer ──
	setBool(&cfg.Relayer.Enabled, "COPYVAULT_RELAYER_ENABLED")
	setInt(&cfg.Relayer.Workers, "COPYVAULT_RELAYER_WORKERS")
	setDuration(&cfg.Relayer.RetryInterval, "COPYVAULT_RELAYER_RETRY_INTERVAL")
	setStr(&cfg.Relayer.PrivateKey, "COPYVAULT_RELAYER_PRIVATE_KEY")
	setStr(&cfg.Relayer.EncryptedKeyPath, "COPYVAULT_RELAYER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relayer.KeyPassword, "COPYVAULT_RELAYER_KEY_PASSWORD")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "COPYVAULT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "COPYVAULT_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Lag, "COPYVAULT_ARCHIVE_LAG")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYVAULT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYVAULT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "COPYVAULT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "COPYVAULT_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.SignatureMaxSkew, "COPYVAULT_SERVER_SIGNATURE_MAX_SKEW")
	setStringSlice(&cfg.Server.AdminAddresses, "COPYVAULT_SERVER_ADMIN_ADDRESSES")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYVAULT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYVAULT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYVAULT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYVAULT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYVAULT_MODE")
	setStr(&cfg.LogLevel, "COPYVAULT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
