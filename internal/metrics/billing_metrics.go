package metrics

import (
	"time"

	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncPlanCreated(kind string)
	IncPlanTransition(state string)
	IncInstallmentOutcome(outcome string, currency string)
	IncWebhookEvent(eventType string, outcome string)
	ObserveChargeAmount(amount int64, currency string, outcome string)
	ObserveGatewayLatency(operation string, duration time.Duration)
}

type billingMetrics struct {
	log                *logger.Logger
	plansCreated       *prometheus.CounterVec
	planTransitions    *prometheus.CounterVec
	installmentOutcome *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	chargeAmount       *prometheus.HistogramVec
	gatewayLatency     *prometheus.HistogramVec
}

// NewBillingMetrics создает новые метрики биллинга
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	plansCreated := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_plans_created_total",
			Help: "The total number of created payment plans",
		},
		[]string{"kind"},
	)

	planTransitions := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_plan_transitions_total",
			Help: "The total number of plan state transitions",
		},
		[]string{"state"},
	)

	installmentOutcome := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_installment_outcomes_total",
			Help: "The total number of installment charge outcomes",
		},
		[]string{"outcome", "currency"},
	)

	webhookEvents := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "The total number of processed gateway webhook events",
		},
		[]string{"event_type", "outcome"},
	)

	chargeAmount := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_charge_amount_minor_units",
			Help:    "Charge amounts distribution in minor currency units",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6), // 100, 1000, ..., 10000000
		},
		[]string{"currency", "outcome"},
	)

	gatewayLatency := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_gateway_request_seconds",
			Help:    "Payment gateway request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	return &billingMetrics{
		log:                log,
		plansCreated:       plansCreated,
		planTransitions:    planTransitions,
		installmentOutcome: installmentOutcome,
		webhookEvents:      webhookEvents,
		chargeAmount:       chargeAmount,
		gatewayLatency:     gatewayLatency,
	}
}

// IncPlanCreated увеличивает счетчик созданных планов
func (m *billingMetrics) IncPlanCreated(kind string) {
	m.plansCreated.WithLabelValues(kind).Inc()
}

// IncPlanTransition увеличивает счетчик переходов состояний планов
func (m *billingMetrics) IncPlanTransition(state string) {
	m.planTransitions.WithLabelValues(state).Inc()
}

// IncInstallmentOutcome увеличивает счетчик исходов списаний
func (m *billingMetrics) IncInstallmentOutcome(outcome string, currency string) {
	m.installmentOutcome.WithLabelValues(outcome, currency).Inc()
}

// IncWebhookEvent увеличивает счетчик событий вебхуков
func (m *billingMetrics) IncWebhookEvent(eventType string, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// ObserveChargeAmount записывает сумму списания
func (m *billingMetrics) ObserveChargeAmount(amount int64, currency string, outcome string) {
	m.chargeAmount.WithLabelValues(currency, outcome).Observe(float64(amount))
}

// ObserveGatewayLatency записывает длительность запроса к шлюзу
func (m *billingMetrics) ObserveGatewayLatency(operation string, duration time.Duration) {
	m.gatewayLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
