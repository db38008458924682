package rest

import (
	"github.com/getsinto/sschoool-sub009/internal/api/rest/handlers"
	"github.com/getsinto/sschoool-sub009/internal/api/rest/middleware"
	"github.com/getsinto/sschoool-sub009/internal/gateway/stripe"
	"github.com/getsinto/sschoool-sub009/internal/service"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(
	log *logger.Logger,
	registry *prometheus.Registry,
	planSvc service.PlanService,
	processor service.InstallmentProcessor,
	reconciler service.Reconciler,
	stripeClient *stripe.Client,
) *gin.Engine {
	r := gin.New()

	// Подключение middleware
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Инициализация обработчиков
	planHandler := handlers.NewPlanHandler(planSvc, log)
	installmentHandler := handlers.NewInstallmentHandler(processor, log)
	webhookHandler := handlers.NewWebhookHandler(stripeClient, reconciler, log)

	v1 := r.Group("/api/v1")
	{
		// Платежные планы
		plans := v1.Group("/plans")
		{
			plans.POST("", planHandler.CreatePlan)
			plans.GET("/:id", planHandler.GetPlan)
			plans.POST("/:id/cancel", planHandler.CancelPlan)
			plans.POST("/:id/convert", planHandler.ConvertTrial)
		}

		// Списания
		installments := v1.Group("/installments")
		{
			installments.POST("/:id/process", installmentHandler.ProcessInstallment)
			installments.POST("/:id/refund", installmentHandler.RefundInstallment)
		}

		// Плательщики
		payers := v1.Group("/payers")
		{
			payers.GET("/:id/upcoming", planHandler.ListUpcoming)
			payers.GET("/:id/overdue", planHandler.ListOverdue)
		}

		// Вебхуки шлюза
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/gateway", webhookHandler.HandleGatewayWebhook)
		}
	}

	return r
}
