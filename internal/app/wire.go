package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/copyvault/internal/blob/s3"
	"github.com/alanyoungcy/copyvault/internal/cache/redis"
	"github.com/alanyoungcy/copyvault/internal/config"
	"github.com/alanyoungcy/copyvault/internal/crypto"
	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/notify"
	"github.com/alanyoungcy/copyvault/internal/server/handler"
	"github.com/alanyoungcy/copyvault/internal/store/leveldb"
	"github.com/alanyoungcy/copyvault/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function. Fields
// for optional backends are nil when the backend is disabled.
type Dependencies struct {
	// Stores
	VaultStore     domain.VaultStore
	EventStore     domain.EventStore
	ConditionStore domain.ConditionStore
	AuditStore     domain.AuditStore
	CreditStore    domain.CreditStore

	// Redis
	LockManager *redis.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	PriceCache  domain.PriceCache
	ReplayGuard domain.ReplayGuard

	// Cold storage
	JournalArchiver domain.JournalArchiver

	// Relayer identity, nil when relaying is disabled
	Relayer *crypto.Signer

	Notifier *notify.Notifier

	// Health checks for the health endpoint
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Journal and condition storage ---
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.VaultStore = postgres.NewVaultStore(pool)
		deps.EventStore = postgres.NewEventStore(pool)
		deps.ConditionStore = postgres.NewConditionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.CreditStore = postgres.NewCreditStore(pool)
		deps.Pingers["postgres"] = pgClient

	case "leveldb":
		db, err := leveldb.Open(cfg.LevelDB.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: leveldb: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.VaultStore = leveldb.NewVaultStore(db)
		deps.EventStore = leveldb.NewEventStore(db)
		deps.ConditionStore = leveldb.NewConditionStore(db)
		deps.CreditStore = leveldb.NewCreditStore(db)

	default:
		return fail(fmt.Errorf("wire: unknown storage driver %q", cfg.Storage.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient, 25*time.Millisecond)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.Pingers["redis"] = redisClient
	}

	// --- S3 journal archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.JournalArchiver = s3blob.NewJournalArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.EventStore,
			deps.AuditStore,
		)
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
	}

	// --- Relayer key ---
	if cfg.Relayer.Enabled {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Relayer.PrivateKey,
			EncryptedKeyPath: cfg.Relayer.EncryptedKeyPath,
			KeyPassword:      cfg.Relayer.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: relayer key: %w", err))
		}
		deps.Relayer = signer
		logger.InfoContext(ctx, "relayer key loaded", slog.String("address", signer.Address().Hex()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// pingFunc adapts a health function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// adminAddresses parses the configured administrator list. Validate has
// already rejected malformed entries.
func adminAddresses(cfg *config.Config) []common.Address {
	out := make([]common.Address, 0, len(cfg.Server.AdminAddresses))
	for _, a := range cfg.Server.AdminAddresses {
		if common.IsHexAddress(a) {
			out = append(out, common.HexToAddress(a))
		}
	}
	return out
}
