// Package bootstrap wires configuration, storage, and services together.
package bootstrap

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/oauth2"

	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/out/compute"
	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/out/content"
	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/out/persistence"
	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/out/provider"
	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/out/realtime"
	"github.com/appnoxtech/mini-crm-backend-sub003/config"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/ingest"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/sync"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/vault"
	"github.com/appnoxtech/mini-crm-backend-sub003/infra/database"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/cache"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/crypto"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Dependencies holds every shared component, built once at startup.
type Dependencies struct {
	Config *config.Config
	Zlog   zerolog.Logger

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client

	AccountRepo out.AccountRepository
	MessageRepo out.MessageMetadataRepository
	CursorRepo  out.CursorRepository
	JobRepo     out.SummaryJobRepository
	ContentRepo out.ContentRepository

	Vault           *vault.Vault
	ProviderFactory *provider.Factory
	Pipeline        *ingest.Pipeline
	Syncer          *sync.Syncer
	Compute         out.ComputePort
	RealtimeAdapter *realtime.SSEAdapter
}

// NewDependencies connects storage and builds the service graph. The
// returned cleanup closes connections in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	deps.Zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Logger()

	// Postgres (pgxpool for migrations and health, sqlx for repositories)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		cleanup()
		return nil, nil, err
	}

	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// MongoDB (message content store)
	if cfg.MongoDBURL != "" {
		mongoClient, err := database.NewMongo(cfg.MongoDBURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Mongo = mongoClient
		cleanups = append(cleanups, func() {
			mongoClient.Disconnect(context.Background())
		})

		store := content.NewMongoContentStore(mongoClient.Database(cfg.MongoDBName))
		if err := store.EnsureIndexes(context.Background()); err != nil {
			logger.Warn("Failed to ensure content indexes: %v", err)
		}
		deps.ContentRepo = store
	} else {
		logger.Warn("MONGODB_URL not set, content store disabled; ingestion is metadata-only")
	}

	// Repositories
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB)
	deps.MessageRepo = persistence.NewMessageAdapter(sqlDB)
	deps.CursorRepo = persistence.NewCursorAdapter(sqlDB)
	deps.JobRepo = persistence.NewSummaryJobAdapter(sqlDB)

	// Provider connectors
	deps.ProviderFactory = provider.NewFactory(&provider.FactoryConfig{
		Gmail: &provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			ProjectID:    cfg.GoogleProjectID,
			PubSubTopic:  cfg.GooglePubSubTopic,
		},
		Outlook: &provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     cfg.MicrosoftTenantID,
			WebhookURL:   outlookWebhookURL(cfg),
		},
	})

	// Credential vault
	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	accountCache := cache.New[*domain.Account](cache.Config{
		DefaultTTL: cfg.AccountCacheTTL,
		MaxItems:   cfg.AccountCacheMax,
	})
	cleanups = append(cleanups, accountCache.Close)

	deps.Vault = vault.New(deps.AccountRepo, encryptor, map[domain.ProviderKind]*oauth2.Config{
		domain.ProviderGmail:   deps.ProviderFactory.Gmail().OAuthConfig(),
		domain.ProviderOutlook: deps.ProviderFactory.Outlook().OAuthConfig(),
	}, accountCache)

	// Realtime (SSE)
	deps.RealtimeAdapter = realtime.NewSSEAdapter(deps.Zlog)

	// Ingestion and sync
	deps.Pipeline = ingest.NewPipeline(deps.MessageRepo, deps.ContentRepo, deps.RealtimeAdapter)
	deps.Syncer = sync.NewSyncer(
		deps.AccountRepo,
		deps.Vault,
		deps.ProviderFactory,
		deps.CursorRepo,
		deps.Pipeline,
		deps.RealtimeAdapter,
	)

	// Compute endpoint
	if cfg.ComputeBaseURL != "" {
		deps.Compute = compute.NewHTTPComputeAdapter(cfg.ComputeBaseURL, cfg.ComputeAPIKey)
	}

	return deps, cleanup, nil
}

func outlookWebhookURL(cfg *config.Config) string {
	if cfg.PublicBaseURL == "" {
		return ""
	}
	return cfg.PublicBaseURL + "/webhooks/outlook"
}
