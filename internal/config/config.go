// Package config defines the process configuration for the subsync service.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or invalid format fails startup.
package config

import (
	"time"

	"subsync/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Driver names accepted by STORE_DRIVER and LEDGER_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Backend names accepted by NOTIFY_BACKEND and METRICS_BACKEND.
const (
	BackendLog        = "log"
	BackendSQS        = "sqs"
	BackendKafka      = "kafka"
	BackendWebhook    = "webhook"
	BackendPrometheus = "prometheus"
	BackendCloudWatch = "cloudwatch"
	BackendNone       = "none"
)

// MinLedgerRetention is the shortest idempotency ledger retention accepted.
// Provider retry storms can span days; the ledger must outlive them.
const MinLedgerRetention = 30 * 24 * time.Hour

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Sync          SyncConfig
	Notify        NotifyConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	DashboardURL    string        `envconfig:"DASHBOARD_URL" validate:"required,url"` // checkout redirect base, no trailing slash
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// StoreConfig selects the account store and idempotency ledger backends.
type StoreConfig struct {
	Driver          string        `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres memory"`
	LedgerDriver    string        `envconfig:"LEDGER_DRIVER" default:"postgres" validate:"oneof=postgres redis memory"`
	LedgerRetention time.Duration `envconfig:"LEDGER_RETENTION" default:"720h"`
	LedgerLease     time.Duration `envconfig:"LEDGER_LEASE" default:"2m" validate:"gt=0"`
	PruneInterval   time.Duration `envconfig:"LEDGER_PRUNE_INTERVAL" default:"1h" validate:"gt=0"`
}

// RedisConfig holds the connection settings for the redis ledger.
type RedisConfig struct {
	Addr      string       `envconfig:"REDIS_ADDR"`
	Password  SecretString `envconfig:"REDIS_PASSWORD"`
	DB        int          `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"subsync:ledger:"`
}

// AWSConfig holds AWS regional configuration and resource identifiers.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	NotificationQueue string `envconfig:"NOTIFY_QUEUE_URL"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and plan catalog settings.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	SignatureTolerance  time.Duration `envconfig:"STRIPE_SIGNATURE_TOLERANCE" default:"5m" validate:"gt=0"`
	APIBaseURL          string        `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	PlanCatalogPath     string        `envconfig:"PLAN_CATALOG_PATH"`
	EnrichCheckout      bool          `envconfig:"STRIPE_ENRICH_CHECKOUT" default:"true"`
}

// SyncConfig bounds the webhook ingestion path.
type SyncConfig struct {
	ProcessingTimeout time.Duration `envconfig:"SYNC_PROCESSING_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxWriteAttempts  int           `envconfig:"SYNC_MAX_WRITE_ATTEMPTS" default:"5" validate:"min=1,max=20"`
	BackoffMin        time.Duration `envconfig:"SYNC_BACKOFF_MIN" default:"20ms"`
	BackoffMax        time.Duration `envconfig:"SYNC_BACKOFF_MAX" default:"500ms"`
	EffectTimeout     time.Duration `envconfig:"SYNC_EFFECT_TIMEOUT" default:"5s"`
}

// NotifyConfig selects the notification collaborator.
type NotifyConfig struct {
	Backend      string   `envconfig:"NOTIFY_BACKEND" default:"log" validate:"oneof=log sqs kafka webhook"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"subscription-effects"`

	// Effect webhook delivery. Private destinations are refused unless
	// WebhookAllowPrivate is set (local receivers).
	WebhookURL            string       `envconfig:"NOTIFY_WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret         SecretString `envconfig:"NOTIFY_WEBHOOK_SECRET"`
	WebhookPreviousSecret SecretString `envconfig:"NOTIFY_WEBHOOK_PREVIOUS_SECRET"`
	WebhookAllowPrivate   bool         `envconfig:"NOTIFY_WEBHOOK_ALLOW_PRIVATE" default:"false"`
}

// SecurityConfig holds API access and CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds metrics settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SubSync"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
