package app

import (
	"context"
	"fmt"

	"github.com/getsinto/sschoool-sub009/internal/config"
	"github.com/getsinto/sschoool-sub009/internal/gateway/stripe"
	"github.com/getsinto/sschoool-sub009/internal/kafka"
	"github.com/getsinto/sschoool-sub009/internal/metrics"
	"github.com/getsinto/sschoool-sub009/internal/repository"
	"github.com/getsinto/sschoool-sub009/internal/service"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config           *config.Config
	Pool             *pgxpool.Pool
	Cache            *repository.RedisCacheRepository
	Producer         kafka.BillingProducer
	Registry         *prometheus.Registry
	BillingMetrics   metrics.BillingMetrics
	SchedulerMetrics metrics.SchedulerMetrics
	StripeClient     *stripe.Client
	PlanService      service.PlanService
	Processor        service.InstallmentProcessor
	Reconciler       service.Reconciler
	Logger           *logger.Logger
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Infow("Database connection established")

	// Redis не обязателен: без него сервис работает без кеширования
	cache, err := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		cache = nil
	}

	kafkaProducer, err := kafka.NewSyncProducer(kafka.NewConfig(cfg.Kafka.Brokers))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	producer := kafka.NewKafkaBillingProducer(kafkaProducer, log)
	log.Infow("Kafka producer initialized", "brokers", cfg.Kafka.Brokers)

	registry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(registry, log)
	schedulerMetrics := metrics.NewSchedulerMetrics(registry, log)

	stripeClient := stripe.NewClient(stripe.Config{
		APIKey:     cfg.Gateway.APIKey,
		WebhookKey: cfg.Gateway.WebhookSecret,
		BaseURL:    cfg.Gateway.BaseURL,
		Timeout:    cfg.GatewayTimeout(),
	}, log)

	planRepo := repository.NewPostgresPlanRepository(pool, log)
	installmentRepo := repository.NewPostgresInstallmentRepository(pool, log)
	eventRepo := repository.NewPostgresGatewayEventRepository(pool, log)

	retry := service.RetryPolicy{MaxAttempts: cfg.Billing.MaxAttempts}
	for i := range cfg.Billing.RetryBackoffDays {
		retry.Backoff = append(retry.Backoff, cfg.RetryBackoff(i+1))
	}

	var planCache service.PlanCache
	if cache != nil {
		planCache = cache
	}

	processor := service.NewInstallmentProcessor(
		planRepo,
		installmentRepo,
		stripeClient,
		producer,
		billingMetrics,
		planCache,
		service.ProcessorSettings{
			Retry:          retry,
			GracePeriod:    cfg.GracePeriod(),
			StuckThreshold: cfg.StuckProcessingThreshold(),
		},
		log,
	)

	planService := service.NewPlanService(
		planRepo,
		installmentRepo,
		processor,
		producer,
		billingMetrics,
		planCache,
		log,
	)

	reconciler := service.NewReconciler(
		planRepo,
		installmentRepo,
		eventRepo,
		producer,
		billingMetrics,
		retry,
		log,
	)

	return &App{
		Config:           cfg,
		Pool:             pool,
		Cache:            cache,
		Producer:         producer,
		Registry:         registry,
		BillingMetrics:   billingMetrics,
		SchedulerMetrics: schedulerMetrics,
		StripeClient:     stripeClient,
		PlanService:      planService,
		Processor:        processor,
		Reconciler:       reconciler,
		Logger:           log,
	}, nil
}

// Close освобождает все ресурсы приложения
func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.Logger.Errorw("Error closing Kafka producer", "error", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Errorw("Error closing Redis connection", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
