// Package app wires the sync engine from configuration. Both entrypoints
// (cmd/api and cmd/sync-lambda) build the same graph through Build so the
// HTTP server and the Lambda handler can never drift apart.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"subsync/internal/api/handlers"
	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/kv"
	"subsync/internal/metrics"
	"subsync/internal/queue"
	"subsync/internal/scheduler"
	"subsync/internal/security"
)

// stripeHTTPTimeout bounds a single Stripe API round trip.
const stripeHTTPTimeout = 15 * time.Second

// App is the wired engine plus everything that must be closed on exit.
type App struct {
	Store        billing.AccountStore
	Ledger       billing.Ledger
	Synchronizer *billing.Synchronizer
	Checkout     *billing.CheckoutInitiator
	Janitor      *scheduler.LedgerJanitor

	Metrics        billing.Metrics
	HTTPMetrics    core.MetricsCollector
	MetricsHandler http.Handler
	Probes         []core.HealthProbe

	closers []func() error
	logger  *slog.Logger
}

// Build constructs the engine. On error, everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
		}
		if cfg.AWS.EndpointURL != "" {
			c.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
		awsCfg = &c
		return c, nil
	}

	if err := a.buildStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.buildMetrics(cfg, loadAWS); err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier(cfg, loadAWS)
	if err != nil {
		return nil, err
	}

	catalog, err := billing.LoadPlanCatalog(cfg.Billing.PlanCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading plan catalog: %w", err)
	}

	stripe := external.NewStripeClient(&http.Client{Timeout: stripeHTTPTimeout}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.APIBaseURL,
		Logger:    logger,
	})

	a.Synchronizer = billing.NewSynchronizer(billing.SynchronizerDeps{
		Verifier:   external.NewStripeVerifier(cfg.Billing.SignatureTolerance),
		Normalizer: billing.NewNormalizer(catalog),
		Store:      a.Store,
		Ledger:     a.Ledger,
		Notifier:   notifier,
		Provider:   stripe,
		Metrics:    a.Metrics,
		Logger:     logger,
	}, billing.SynchronizerConfig{
		WebhookSecret:     cfg.Billing.StripeWebhookSecret,
		ProcessingTimeout: cfg.Sync.ProcessingTimeout,
		LedgerLease:       cfg.Store.LedgerLease,
		MaxWriteAttempts:  cfg.Sync.MaxWriteAttempts,
		BackoffMin:        cfg.Sync.BackoffMin,
		BackoffMax:        cfg.Sync.BackoffMax,
		EffectTimeout:     cfg.Sync.EffectTimeout,
		EnrichCheckout:    cfg.Billing.EnrichCheckout,
	})

	a.Checkout = billing.NewCheckoutInitiator(stripe, catalog, a.Store, cfg.Server.DashboardURL, logger)

	var recorder scheduler.PruneRecorder
	if r, ok := a.Metrics.(scheduler.PruneRecorder); ok {
		recorder = r
	}
	a.Janitor = scheduler.NewLedgerJanitor(a.Ledger, cfg.Store.LedgerRetention, recorder, logger)

	logger.InfoContext(ctx, "sync engine wired",
		"store_driver", cfg.Store.Driver,
		"ledger_driver", cfg.Store.LedgerDriver,
		"notify_backend", cfg.Notify.Backend,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)
	return a, nil
}

func (a *App) buildStorage(ctx context.Context, cfg *config.Config) error {
	needsPostgres := cfg.Store.Driver == config.DriverPostgres || cfg.Store.LedgerDriver == config.DriverPostgres

	var repoDB db.DBTX
	if needsPostgres {
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(cfg.Database.URL.Unmask(), a.logger); err != nil {
				return err
			}
		}
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Probes = append(a.Probes, core.NewProbe("database", pool.Ping))
		repoDB = pool
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		a.Store = db.NewAccountRepository(repoDB)
	default:
		a.Store = db.NewMemoryStore()
	}

	switch cfg.Store.LedgerDriver {
	case config.DriverPostgres:
		a.Ledger = db.NewLedgerRepository(repoDB)
	case config.DriverRedis:
		client, err := kv.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.Probes = append(a.Probes, core.NewProbe("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		a.Ledger = kv.NewLedger(client, cfg.Redis.KeyPrefix, cfg.Store.LedgerRetention)
	default:
		a.Ledger = db.NewMemoryLedger()
	}
	return nil
}

func (a *App) buildMetrics(cfg *config.Config, loadAWS func() (aws.Config, error)) error {
	switch cfg.Observability.MetricsBackend {
	case config.BackendPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec := metrics.NewPrometheusRecorder(reg)
		a.Metrics = rec
		a.HTTPMetrics = rec
		a.MetricsHandler = rec.Handler()
	case config.BackendCloudWatch:
		awsCfg, err := loadAWS()
		if err != nil {
			return err
		}
		a.Metrics = metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, a.logger)
	default:
		a.Metrics = billing.NoopMetrics{}
	}
	return nil
}

func (a *App) buildNotifier(cfg *config.Config, loadAWS func() (aws.Config, error)) (billing.Notifier, error) {
	switch cfg.Notify.Backend {
	case config.BackendSQS:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return queue.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, a.logger), nil
	case config.BackendKafka:
		producer, err := queue.NewSyncProducer(cfg.Notify.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		pub := queue.NewKafkaPublisher(producer, cfg.Notify.KafkaTopic, a.logger)
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	case config.BackendWebhook:
		client := security.NewSafeHTTPClient(cfg.Sync.EffectTimeout, 3)
		if cfg.Notify.WebhookAllowPrivate {
			client = &http.Client{Timeout: cfg.Sync.EffectTimeout}
		}
		return queue.NewWebhookPublisher(client, queue.WebhookConfig{
			URL:            cfg.Notify.WebhookURL,
			Secret:         cfg.Notify.WebhookSecret,
			PreviousSecret: cfg.Notify.WebhookPreviousSecret,
		}, a.logger), nil
	default:
		return queue.NewLogPublisher(a.logger), nil
	}
}

// NewServer builds the HTTP chassis with every route mounted.
func (a *App) NewServer(cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = a.HTTPMetrics
	srv.MetricsHandler = a.MetricsHandler
	srv.HealthProbes = a.Probes

	webhookHandler := handlers.NewStripeWebhookHandler(a.Synchronizer, logger)
	checkoutHandler := handlers.NewCheckoutHandler(a.Checkout, logger)
	accountHandler := handlers.NewAccountHandler(a.Store, srv.Validator, logger)

	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		checkoutHandler.RegisterRoutes,
		accountHandler.RegisterRoutes,
	)
	srv.MountRoutes()
	return srv, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
