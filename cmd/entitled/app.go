package main

import (
	"context"
	"fmt"
	"net/http"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/notify/amqp"
	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/resilience"
	"github.com/mihaimyh/goentitle/pkg/billing/revenuecat"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	zlog "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	entprom "github.com/mihaimyh/goentitle/pkg/entitlement/metrics/prometheus"
	queuememory "github.com/mihaimyh/goentitle/queue/memory"
	queueredis "github.com/mihaimyh/goentitle/queue/redis"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
)

// app holds every wired component of the daemon
type app struct {
	cfg    Config
	zl     zerolog.Logger
	logger entitlement.Logger

	registry       *prometheus.Registry
	metrics        *entprom.Metrics
	billingMetrics billing.Metrics

	store    entitlement.Store
	postgres *postgres.Storage
	queue    entitlement.TaskQueue

	ingestor   *entitlement.Ingestor
	reconciler *entitlement.Reconciler
	resolver   *entitlement.Resolver
	discounts  *entitlement.DiscountService
	checkout   *entitlement.CheckoutFactory
	worker     *entitlement.Worker
	sweeper    *entitlement.Sweeper
	webhooks   map[entitlement.Source]http.Handler

	closers []func() error
}

// newApp builds the store and queue only. Commands that need providers
// call wire afterwards.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	zl := newZerolog(cfg)
	a := &app{
		cfg:      cfg,
		zl:       zl,
		logger:   zlog.NewLogger(&zl),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = entprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	a.billingMetrics = billingprom.NewMetrics(a.registry, cfg.MetricsNamespace)

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openQueue(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.FirestoreProjectID != "" {
		return a.openFirestore(ctx)
	}
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set, state is kept in memory")
		a.store = memory.New()
		return nil
	}
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.DatabaseURL
	pgCfg.Logger = a.logger
	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	a.postgres = store
	a.store = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

func (a *app) openFirestore(ctx context.Context) error {
	client, err := gcfirestore.NewClient(ctx, a.cfg.FirestoreProjectID)
	if err != nil {
		return fmt.Errorf("failed to open firestore: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	prefix := a.cfg.FirestoreCollectionPrefix
	store, err := firestore.New(client, firestore.Config{
		SubscriptionsCollection: prefix + "subscriptions",
		HeadsCollection:         prefix + "subscription_heads",
		EventsCollection:        prefix + "webhook_events",
		DiscountsCollection:     prefix + "discount_codes",
	})
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *app) openQueue(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.logger.Warn("REDIS_URL not set, tasks are queued in memory")
		a.queue = queuememory.New()
		return nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	qCfg := queueredis.DefaultConfig()
	qCfg.KeyPrefix = a.cfg.RedisKeyPrefix
	q, err := queueredis.New(client, qCfg)
	if err != nil {
		return err
	}
	a.queue = q
	return nil
}

// wire builds providers and every engine component on top of them.
func (a *app) wire() error {
	var onChange entitlement.ChangeHandler
	if a.cfg.AMQPURL != "" {
		pub, err := amqp.New(amqp.Config{URL: a.cfg.AMQPURL, Exchange: a.cfg.AMQPExchange, Logger: a.logger})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		onChange = pub
	}

	providers, stripeProvider, err := a.providers()
	if err != nil {
		return err
	}

	clients := make(map[entitlement.Source]entitlement.ProviderClient)
	verifiers := make(map[entitlement.Source]entitlement.WebhookVerifier)
	for _, p := range providers {
		breaker, err := resilience.New(p, resilience.Config{
			OnStateChange: a.metrics.RecordBreakerStateChange,
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		for _, src := range p.Sources() {
			clients[src] = breaker
			verifiers[src] = p
		}
	}

	if a.ingestor, err = entitlement.NewIngestor(entitlement.IngestorConfig{
		Store:     a.store,
		Verifiers: verifiers,
		Queue:     a.queue,
		OnChange:  onChange,
		Logger:    a.logger,
		Metrics:   a.metrics,
	}); err != nil {
		return err
	}
	if a.reconciler, err = entitlement.NewReconciler(entitlement.ReconcilerConfig{
		Store:     a.store,
		Providers: clients,
		OnChange:  onChange,
		Logger:    a.logger,
		Metrics:   a.metrics,
	}); err != nil {
		return err
	}
	a.resolver = entitlement.NewResolver(a.store, nil, a.metrics)

	a.webhooks = make(map[entitlement.Source]http.Handler)
	for _, p := range providers {
		for _, src := range p.Sources() {
			h, err := billing.NewWebhookHandler(billing.WebhookHandlerConfig{
				Source:   src,
				Provider: p,
				Ingestor: a.ingestor,
				Metrics:  a.billingMetrics,
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			a.webhooks[src] = h
		}
	}

	if a.worker, err = entitlement.NewWorker(entitlement.WorkerConfig{
		Queue:        a.queue,
		Logger:       a.logger,
		Metrics:      a.metrics,
		PollInterval: a.cfg.Worker.PollInterval,
		Concurrency:  a.cfg.Worker.Concurrency,
		MaxAttempts:  a.cfg.Worker.MaxAttempts,
	}); err != nil {
		return err
	}
	a.reconciler.RegisterHandlers(a.worker)

	if stripeProvider != nil {
		if a.discounts, err = entitlement.NewDiscountService(entitlement.DiscountServiceConfig{
			Store:   a.store,
			Client:  stripeProvider,
			Queue:   a.queue,
			Logger:  a.logger,
			Metrics: a.metrics,
		}); err != nil {
			return err
		}
		a.discounts.RegisterHandlers(a.worker)

		if a.checkout, err = entitlement.NewCheckoutFactory(stripeProvider, a.logger); err != nil {
			return err
		}
	}

	a.sweeper, err = entitlement.NewSweeper(entitlement.SweeperConfig{
		Store:      a.store,
		Reconciler: a.reconciler,
		Logger:     a.logger,
		Interval:   a.cfg.Sweep.Interval,
		StaleAfter: a.cfg.Sweep.StaleAfter,
		BatchSize:  a.cfg.Sweep.BatchSize,
	})
	return err
}

func (a *app) providers() ([]billing.Provider, *stripe.Provider, error) {
	var out []billing.Provider
	var sp *stripe.Provider

	if a.cfg.Stripe.APIKey != "" {
		p, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				APIKey:        a.cfg.Stripe.APIKey,
				WebhookSecret: a.cfg.Stripe.WebhookSecret,
				Metrics:       a.billingMetrics,
				Logger:        a.logger,
			},
			PriceMapping:        a.cfg.Stripe.Prices,
			AllowPromotionCodes: a.cfg.Stripe.AllowPromotionCodes,
		})
		if err != nil {
			return nil, nil, err
		}
		sp = p
		out = append(out, p)
	}

	rc := a.cfg.RevenueCat
	if rc.APIKey != "" || rc.WebhookSecret != "" {
		p, err := revenuecat.NewProvider(revenuecat.Config{
			Config: billing.Config{
				APIKey:        rc.APIKey,
				WebhookSecret: rc.WebhookSecret,
				Metrics:       a.billingMetrics,
				Logger:        a.logger,
			},
			EnableHMAC:   rc.EnableHMAC,
			Entitlements: rc.Entitlements,
		})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, p)
	}

	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%w: no billing provider configured", entitlement.ErrConfiguration)
	}
	return out, sp, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", entitlement.F("error", err))
		}
	}
	a.closers = nil
}
