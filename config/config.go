package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Credential encryption
	EncryptionKey string
	JWTSecret     string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string
	GooglePubSubTopic  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Scheduler
	WorkerID           string
	SchedulerEnabled   bool
	SyncWorkerCount    int
	SyncQueueCapacity  int
	FreshnessInterval  time.Duration
	FreshnessWindow    time.Duration
	WatchRenewInterval time.Duration
	WatchRenewLead     time.Duration

	// Account cache
	AccountCacheTTL time.Duration
	AccountCacheMax int

	// Webhook
	PublicBaseURL     string
	WebhookAudience   string
	WebhookIdemTTL    time.Duration
	SyncLockTTL       time.Duration

	// Compute endpoint (async summarization jobs)
	ComputeBaseURL      string
	ComputeAPIKey       string
	SummarySubmitEvery  time.Duration
	SummaryPollEvery    time.Duration
	SummarySubmitLimit  int
	SummaryFreshnessTTL time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "crm_mail"),
		RedisURL:    getEnv("REDIS_URL", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:  getEnv("GOOGLE_PUBSUB_TOPIC", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		// Scheduler
		WorkerID:           getEnv("WORKER_ID", generateWorkerID()),
		SchedulerEnabled:   getEnvBool("SCHEDULER_ENABLED", true),
		SyncWorkerCount:    getEnvInt("SYNC_WORKER_COUNT", 5),
		SyncQueueCapacity:  getEnvInt("SYNC_QUEUE_CAPACITY", 1000),
		FreshnessInterval:  getEnvDuration("FRESHNESS_INTERVAL_MIN", 15, time.Minute),
		FreshnessWindow:    getEnvDuration("FRESHNESS_WINDOW_MIN", 15, time.Minute),
		WatchRenewInterval: getEnvDuration("WATCH_RENEW_INTERVAL_MIN", 60, time.Minute),
		WatchRenewLead:     getEnvDuration("WATCH_RENEW_LEAD_HOUR", 24, time.Hour),

		// Account cache
		AccountCacheTTL: getEnvDuration("ACCOUNT_CACHE_TTL_MIN", 5, time.Minute),
		AccountCacheMax: getEnvInt("ACCOUNT_CACHE_MAX", 10000),

		// Webhook
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", ""),
		WebhookAudience: getEnv("WEBHOOK_AUDIENCE", ""),
		WebhookIdemTTL:  getEnvDuration("WEBHOOK_IDEM_TTL_MIN", 5, time.Minute),
		SyncLockTTL:     getEnvDuration("SYNC_LOCK_TTL_MIN", 2, time.Minute),

		// Compute endpoint
		ComputeBaseURL:      getEnv("COMPUTE_BASE_URL", ""),
		ComputeAPIKey:       getEnv("COMPUTE_API_KEY", ""),
		SummarySubmitEvery:  getEnvDuration("SUMMARY_SUBMIT_EVERY_MIN", 5, time.Minute),
		SummaryPollEvery:    getEnvDuration("SUMMARY_POLL_EVERY_SEC", 30, time.Second),
		SummarySubmitLimit:  getEnvInt("SUMMARY_SUBMIT_LIMIT", 20),
		SummaryFreshnessTTL: getEnvDuration("SUMMARY_FRESHNESS_TTL_HOUR", 24, time.Hour),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be set")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue int, unit time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * unit
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
