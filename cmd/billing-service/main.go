package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/api/rest"
	"github.com/getsinto/sschoool-sub009/internal/app"
	"github.com/getsinto/sschoool-sub009/internal/config"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := initLogger()
	log.Infow("Billing service starting up...")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Gateway.APIKey == "" {
		log.Warnw("Gateway API key is not set, charges will be rejected")
	}
	if cfg.Gateway.WebhookSecret == "" {
		log.Warnw("Gateway webhook secret is not set, webhooks will be rejected")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}
	defer application.Close()

	application.SchedulerMetrics.StartRecording(15 * time.Second)
	defer application.SchedulerMetrics.Stop()

	router := rest.SetupRouter(
		log,
		application.Registry,
		application.PlanService,
		application.Processor,
		application.Reconciler,
		application.StripeClient,
	)
	server := rest.NewServer(router, cfg, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Фоновые обходы: списание подлежащих платежей и сверка зависших.
	// Обходы без состояния, любое число реплик безопасно.
	go runDueScanLoop(ctx, application, log)
	go runStuckSweepLoop(ctx, application, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.App.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// runDueScanLoop периодически списывает платежи, подлежащие оплате
func runDueScanLoop(ctx context.Context, application *app.App, log *logger.Logger) {
	interval := time.Duration(application.Config.Billing.DueScanIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infow("Due scan loop started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			processed, err := application.Processor.RunDueScan(ctx)
			if err != nil {
				log.Errorw("Due scan failed", "error", err)
				continue
			}
			application.SchedulerMetrics.ObserveDueScan(processed, time.Since(start))
			if processed > 0 {
				log.Infow("Due scan finished", "processed", processed)
			}
		case <-ctx.Done():
			log.Infow("Due scan loop stopped")
			return
		}
	}
}

// runStuckSweepLoop периодически сверяет зависшие списания с шлюзом
func runStuckSweepLoop(ctx context.Context, application *app.App, log *logger.Logger) {
	interval := time.Duration(application.Config.Billing.StuckSweepIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infow("Stuck sweep loop started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			resolved, err := application.Processor.RunStuckSweep(ctx)
			if err != nil {
				log.Errorw("Stuck sweep failed", "error", err)
				continue
			}
			application.SchedulerMetrics.ObserveStuckSweep(resolved, time.Since(start))
			if resolved > 0 {
				log.Infow("Stuck sweep finished", "resolved", resolved)
			}
		case <-ctx.Done():
			log.Infow("Stuck sweep loop stopped")
			return
		}
	}
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
