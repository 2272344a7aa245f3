package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and names the failing stage.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// SSM path whose value becomes DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the OS hooks the loader touches so tests do not have to
// mutate the process environment.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration:
//  1. Forces UTC.
//  2. Loads .env if present (never overrides the real environment).
//  3. Outside APP_ENV=local, resolves *_SSM_PARAM pointers via provider.
//  4. Populates Config from envconfig tags.
//  5. Runs struct validation, then cross-field dependency checks.
//
// provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := validateDependencies(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateDependencies checks settings that are only required because of
// another setting's value.
func validateDependencies(cfg *Config) error {
	var problems []string

	needsPostgres := cfg.Store.Driver == DriverPostgres || cfg.Store.LedgerDriver == DriverPostgres
	if needsPostgres && !cfg.Database.URL.IsSet() {
		problems = append(problems, "DATABASE_URL is required when a postgres driver is selected")
	}
	if cfg.Store.LedgerDriver == DriverRedis && cfg.Redis.Addr == "" {
		problems = append(problems, "REDIS_ADDR is required when LEDGER_DRIVER=redis")
	}
	if cfg.Store.LedgerRetention < MinLedgerRetention {
		problems = append(problems, fmt.Sprintf("LEDGER_RETENTION must be at least %s", MinLedgerRetention))
	}
	if cfg.Store.LedgerLease <= cfg.Sync.ProcessingTimeout {
		problems = append(problems, "LEDGER_LEASE must exceed SYNC_PROCESSING_TIMEOUT")
	}
	if cfg.Sync.BackoffMax < cfg.Sync.BackoffMin {
		problems = append(problems, "SYNC_BACKOFF_MAX must not be below SYNC_BACKOFF_MIN")
	}
	switch cfg.Notify.Backend {
	case BackendSQS:
		if cfg.AWS.NotificationQueue == "" {
			problems = append(problems, "NOTIFY_QUEUE_URL is required when NOTIFY_BACKEND=sqs")
		}
	case BackendKafka:
		if len(cfg.Notify.KafkaBrokers) == 0 || cfg.Notify.KafkaTopic == "" {
			problems = append(problems, "KAFKA_BROKERS and KAFKA_TOPIC are required when NOTIFY_BACKEND=kafka")
		}
	case BackendWebhook:
		if cfg.Notify.WebhookURL == "" || !cfg.Notify.WebhookSecret.IsSet() {
			problems = append(problems, "NOTIFY_WEBHOOK_URL and NOTIFY_WEBHOOK_SECRET are required when NOTIFY_BACKEND=webhook")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ConfigError{
		Type:    ErrValidation,
		Message: strings.Join(problems, "; "),
	}
}

// resolveSSMParams finds *_SSM_PARAM variables whose target is unset, fetches
// them in one batch and writes the values back into the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		pathToTarget[path] = target
	}
	if len(pathToTarget) == 0 {
		return nil
	}

	paths := make([]string, 0, len(pathToTarget))
	for p := range pathToTarget {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, pathToTarget[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		target := pathToTarget[p]
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
