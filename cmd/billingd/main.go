// Command billingd serves the subscription billing API, processes gateway
// webhooks and runs the periodic lifecycle sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/fitfusion/billing/pkg/circuitbreaker"
	"github.com/fitfusion/billing/pkg/config"
	"github.com/fitfusion/billing/pkg/email"
	"github.com/fitfusion/billing/pkg/errtrack"
	"github.com/fitfusion/billing/pkg/httpserver"
	"github.com/fitfusion/billing/pkg/logger"
	"github.com/fitfusion/billing/pkg/pg"
	"github.com/fitfusion/billing/pkg/redis"
	"github.com/fitfusion/billing/pkg/requestid"
	"github.com/fitfusion/billing/svc/subscription"
	"github.com/fitfusion/billing/svc/subscription/emails"
	"github.com/fitfusion/billing/svc/subscription/httpapi"
	"github.com/fitfusion/billing/svc/subscription/kafkaevents"
	"github.com/fitfusion/billing/svc/subscription/pgstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billingd stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		appCfg   appConfig
		pgCfg    pg.Config
		redisCfg redis.Config
		httpCfg  httpserver.Config
		mailCfg  email.Config
		kafkaCfg kafkaevents.Config
		trackCfg errtrack.Config
	)
	for _, load := range []func() error{
		func() error { return config.Load(&appCfg) },
		func() error { return config.Load(&pgCfg) },
		func() error { return config.Load(&redisCfg) },
		func() error { return config.Load(&httpCfg) },
		func() error { return config.Load(&mailCfg) },
		func() error { return config.Load(&kafkaCfg) },
		func() error { return config.Load(&trackCfg) },
	} {
		if err := load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	log := logger.New(
		logger.WithEnvironment(appCfg.Env, appCfg.ServiceName),
		logger.WithContextExtractors(requestid.LogExtractor()),
	)
	logger.SetAsDefault(log)

	tracker, err := errtrack.New(trackCfg)
	if err != nil {
		return fmt.Errorf("init error tracking: %w", err)
	}
	defer tracker.Flush(2 * time.Second)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, pgstore.Migrations(), log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	provider, decoder, err := newGateway(appCfg.GatewayProvider, log)
	if err != nil {
		return err
	}
	if appCfg.WebhookSecret != "" {
		decoder = subscription.NewRoutedDecoder(decoder,
			subscription.NewSignedDecoder(appCfg.WebhookSecret, appCfg.WebhookMaxAge, nil))
	}
	breakerLog := log.With(logger.Component("gateway-breaker"))
	gateway := subscription.NewGuardedGateway(provider,
		subscription.WithCallTimeout(appCfg.GatewayTimeout),
		subscription.WithBreaker(circuitbreaker.New(
			circuitbreaker.WithFailureThreshold(appCfg.BreakerFailures),
			circuitbreaker.WithRecoveryTimeout(appCfg.BreakerRecovery),
			circuitbreaker.WithStateChangeHook(func(from, to circuitbreaker.State) {
				breakerLog.Warn("gateway breaker changed state", slog.String("from", from.String()), slog.String("to", to.String()))
			}),
		)),
		subscription.WithGatewayLogger(log),
	)

	store := pgstore.New(pool)
	accounts := pgstore.NewAccounts(pool)
	catalog, err := subscription.NewCatalog(ctx, subscription.NewInMemSource(subscription.DefaultPlans()...))
	if err != nil {
		return err
	}

	var sender email.EmailSender
	if mailCfg.UsePostmark() {
		if sender, err = email.NewPostmarkClient(mailCfg); err != nil {
			return err
		}
	} else {
		log.Info("postmark not configured, writing emails to disk", slog.String("dir", mailCfg.DevOutputDir))
		sender = email.NewDevSender(mailCfg.DevOutputDir)
	}
	dispatcher := subscription.NewDispatcher(emails.NewNotifier(sender, mailCfg), accounts,
		subscription.WithDispatcherLogger(log),
	)
	defer dispatcher.Wait()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := subscription.NewMetrics(reg)

	observers := []subscription.Observer{metrics}
	if kafkaCfg.Enabled() {
		client, err := kafkaevents.NewClient(kafkaCfg, log)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher := kafkaevents.NewPublisher(client, kafkaCfg.Topic, log)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Flush(flushCtx); err != nil {
				log.Warn("kafka flush incomplete", logger.Error(err))
			}
		}()
		observers = append(observers, publisher)
	}

	engineOpts := []subscription.EngineOption{
		subscription.WithLogger(log),
		subscription.WithAccounts(accounts),
		subscription.WithDispatcher(dispatcher),
		subscription.WithObservers(observers...),
		subscription.WithTrialPeriod(appCfg.TrialPeriod),
		subscription.WithRenewWindow(appCfg.RenewWindow),
		subscription.WithSwitchTimeout(appCfg.SwitchTimeout),
	}
	if appCfg.InPlaceSwitch {
		engineOpts = append(engineOpts, subscription.WithInPlaceSwitch())
	}
	engine := subscription.NewEngine(store, catalog, gateway, engineOpts...)
	initiator := subscription.NewCheckoutInitiator(store, catalog, gateway,
		subscription.WithCheckoutAccounts(accounts),
		subscription.WithCheckoutLogger(log),
	)
	processor := subscription.NewWebhookProcessor(engine, decoder,
		subscription.WithProcessorLogger(log),
		subscription.WithErrorReporter(tracker),
		subscription.WithWebhookMetrics(metrics),
	)

	sweeper := subscription.NewSweeper(engine,
		subscription.WithLocker(redis.NewLeaser(rdb, appCfg.LockPrefix), appCfg.SweepLockTTL),
		subscription.WithSweepMetrics(metrics),
		subscription.WithSweepLogger(log),
	)
	scheduler := cron.New()
	if _, err := sweeper.Schedule(ctx, scheduler, appCfg.SweepSchedule); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", appCfg.SweepSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	r := chi.NewRouter()
	r.Use(requestid.Middleware(), middleware.Recoverer)
	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(log, pg.Healthcheck(pool), redis.Healthcheck(rdb)))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpapi.New(engine, initiator, processor, httpapi.WithLogger(log)).Routes(r)

	log.Info("billingd starting",
		slog.String("gateway", appCfg.GatewayProvider),
		slog.String("addr", httpCfg.Addr),
		slog.Bool("kafka", kafkaCfg.Enabled()),
		slog.Bool("signed_webhooks", appCfg.WebhookSecret != ""),
	)
	return httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log)).Run(ctx, r)
}
