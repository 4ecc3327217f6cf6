package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/taskhub/pkg/email"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/pg"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/pkg/redis"
	"github.com/dmitrymomot/taskhub/svc/billing"
	"github.com/dmitrymomot/taskhub/svc/notify"
	"github.com/dmitrymomot/taskhub/svc/reminder"
	"github.com/dmitrymomot/taskhub/svc/workspace"
)

// app holds the wired dependencies shared by serve and worker.
type app struct {
	cfg      appConfig
	log      *slog.Logger
	registry *prometheus.Registry

	pool  *pgxpool.Pool
	redis *goredis.Client
	queue *queue.RedisStorage

	billing    *billing.Service
	reconciler *billing.Reconciler
	reminders  *billing.ReminderJobs
	workspace  *workspace.Service
	mailer     *notify.Mailer
}

func newApp(ctx context.Context, cfg appConfig) (*app, error) {
	log := logger.NewFromConfig(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	catalog, err := cfg.Billing.LoadCatalog()
	if err != nil {
		return nil, err
	}
	provider, err := billing.NewStripeProvider(cfg.Billing.Stripe)
	if err != nil {
		return nil, err
	}
	sender, err := email.New(cfg.Email)
	if err != nil {
		return nil, err
	}

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return nil, err
	}
	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, err
	}
	storage, err := queue.NewRedisStorage(redisClient,
		queue.WithKeyPrefix(cfg.Queue.KeyPrefix),
		queue.WithRetention(cfg.Queue.Retention))
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}
	enqueuer, err := queue.NewEnqueuer(storage)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	orchestrator := reminder.New(enqueuer, reminder.WithLogger(log))
	dispatcher := notify.NewDispatcher(enqueuer, log)
	billingStore := billing.NewPostgresStore(pool)

	opts := []billing.Option{
		billing.WithCatalog(catalog),
		billing.WithBaseURL(cfg.Billing.BaseURL),
		billing.WithLogger(log),
	}
	svc := billing.NewService(billingStore, provider, opts...)

	return &app{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		pool:       pool,
		redis:      redisClient,
		queue:      storage,
		billing:    svc,
		reconciler: billing.NewReconciler(billingStore, provider, orchestrator, dispatcher, append(opts, billing.WithMetrics(billing.NewMetrics(registry)))...),
		reminders:  billing.NewReminderJobs(billingStore, dispatcher, opts...),
		workspace: workspace.NewService(workspace.NewPostgresStore(pool), svc, orchestrator, dispatcher,
			workspace.WithBaseURL(cfg.Billing.BaseURL),
			workspace.WithLogger(log)),
		mailer: notify.NewMailer(sender, log),
	}, nil
}

func (a *app) Close() error {
	a.pool.Close()
	return a.redis.Close()
}

// healthchecks are the readiness probes of both processes.
func (a *app) healthchecks() []func(context.Context) error {
	return []func(context.Context) error{
		pg.Healthcheck(a.pool),
		redis.Healthcheck(a.redis),
	}
}
