package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/gateway"
	"github.com/getsinto/sschoool-sub009/internal/metrics"
	"github.com/getsinto/sschoool-sub009/internal/planner"
	"github.com/getsinto/sschoool-sub009/internal/repository"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newUUID() uuid.UUID { return uuid.New() }

// buildAndStore строит план с графиком от указанного момента и сохраняет
// его напрямую, минуя сервисный слой
func buildAndStore(t *testing.T, env *testEnv, req domain.PlanRequest, anchor time.Time) (domain.PaymentPlan, []domain.Installment) {
	t.Helper()

	plan, installments, err := planner.Build(req, anchor)
	require.NoError(t, err)

	stored, err := env.plans.Create(context.Background(), plan, installments)
	require.NoError(t, err)
	return stored, installments
}

// forceRetryNow сдвигает время повтора списания в прошлое
func forceRetryNow(t *testing.T, env *testEnv, id uuid.UUID) {
	t.Helper()

	inst, err := env.installments.GetByID(context.Background(), id)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	inst.NextRetryAt = &past
	env.installments.Put(context.Background(), inst)
}

// backdateDue сдвигает срок платежа в прошлое
func backdateDue(t *testing.T, env *testEnv, id uuid.UUID, at time.Time) {
	t.Helper()

	inst, err := env.installments.GetByID(context.Background(), id)
	require.NoError(t, err)

	inst.DueAt = at
	env.installments.Put(context.Background(), inst)
}

// backdateLastAttempt сдвигает момент последней попытки списания
func backdateLastAttempt(t *testing.T, env *testEnv, id uuid.UUID, at time.Time) {
	t.Helper()

	inst, err := env.installments.GetByID(context.Background(), id)
	require.NoError(t, err)

	inst.LastAttemptAt = &at
	env.installments.Put(context.Background(), inst)
}

// backdatePastDue сдвигает начало просрочки плана
func backdatePastDue(t *testing.T, env *testEnv, planID uuid.UUID, at time.Time) {
	t.Helper()

	plan, err := env.plans.GetByID(context.Background(), planID)
	require.NoError(t, err)

	plan.PastDueSince = &at
	env.plans.Put(context.Background(), plan)
}

// fakeGateway скриптуемый платежный шлюз для тестов: отдает заранее
// заданные исходы и считает обращения
type fakeGateway struct {
	mu          sync.Mutex
	results     []gateway.ChargeResult
	errs        []error
	charges     []gateway.ChargeRequest
	getResults  map[string]gateway.ChargeResult
	getErrs     map[string]error
	chargeCalls int
	refSeq      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		getResults: make(map[string]gateway.ChargeResult),
		getErrs:    make(map[string]error),
	}
}

// enqueue добавляет следующий исход списания в очередь
func (g *fakeGateway) enqueue(result gateway.ChargeResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, result)
	g.errs = append(g.errs, err)
}

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.chargeCalls++
	g.charges = append(g.charges, req)

	if len(g.results) == 0 {
		g.refSeq++
		return gateway.ChargeResult{
			Status:           gateway.ChargeStatusSucceeded,
			GatewayReference: fmt.Sprintf("pi_test_%d", g.refSeq),
		}, nil
	}

	result := g.results[0]
	err := g.errs[0]
	g.results = g.results[1:]
	g.errs = g.errs[1:]

	if err == nil && result.GatewayReference == "" && result.Status != "" {
		g.refSeq++
		result.GatewayReference = fmt.Sprintf("pi_test_%d", g.refSeq)
	}
	return result, err
}

func (g *fakeGateway) Refund(ctx context.Context, gatewayReference string, amount int64) (gateway.RefundResult, error) {
	return gateway.RefundResult{Status: "succeeded", GatewayReference: gatewayReference}, nil
}

func (g *fakeGateway) GetCharge(ctx context.Context, gatewayReference string) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.getErrs[gatewayReference]; ok {
		return gateway.ChargeResult{}, err
	}
	if result, ok := g.getResults[gatewayReference]; ok {
		return result, nil
	}
	return gateway.ChargeResult{Status: gateway.ChargeStatusPending, GatewayReference: gatewayReference}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCalls
}

// fakeProducer записывает публикуемые события вместо отправки в Kafka
type fakeProducer struct {
	mu            sync.Mutex
	accessChanges []domain.AccessChange
	planEvents    []domain.PaymentPlan
	paidEvents    []domain.Installment
	refundEvents  []domain.Installment
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{}
}

func (p *fakeProducer) NotifyAccessChange(ctx context.Context, change domain.AccessChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessChanges = append(p.accessChanges, change)
	return nil
}

func (p *fakeProducer) PublishPlanStateChanged(ctx context.Context, plan domain.PaymentPlan, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planEvents = append(p.planEvents, plan)
	return nil
}

func (p *fakeProducer) PublishInstallmentPaid(ctx context.Context, inst domain.Installment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paidEvents = append(p.paidEvents, inst)
	return nil
}

func (p *fakeProducer) PublishRefund(ctx context.Context, inst domain.Installment, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundEvents = append(p.refundEvents, inst)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

// revocations возвращает отзывы доступа для записи на курс
func (p *fakeProducer) revocations(enrollmentID string) []domain.AccessChange {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.AccessChange
	for _, c := range p.accessChanges {
		if !c.GrantAccess && c.EnrollmentID.String() == enrollmentID {
			out = append(out, c)
		}
	}
	return out
}

// grants возвращает выдачи доступа для записи на курс
func (p *fakeProducer) grants(enrollmentID string) []domain.AccessChange {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.AccessChange
	for _, c := range p.accessChanges {
		if c.GrantAccess && c.EnrollmentID.String() == enrollmentID {
			out = append(out, c)
		}
	}
	return out
}

// testEnv собирает сервисный слой на in-memory репозиториях и фейках
type testEnv struct {
	plans        *repository.InMemoryPlanRepository
	installments *repository.InMemoryInstallmentRepository
	events       *repository.InMemoryGatewayEventRepository
	gateway      *fakeGateway
	producer     *fakeProducer
	processor    InstallmentProcessor
	planSvc      PlanService
	reconciler   Reconciler
	settings     ProcessorSettings
}

func newTestEnv() *testEnv {
	log := logger.New(logger.ERROR)
	plans := repository.NewInMemoryPlanRepository()
	installments := repository.NewInMemoryInstallmentRepository(plans)
	events := repository.NewInMemoryGatewayEventRepository()
	gw := newFakeGateway()
	producer := newFakeProducer()
	billingMetrics := metrics.NewBillingMetrics(prometheus.NewRegistry(), log)

	settings := ProcessorSettings{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     []time.Duration{24 * time.Hour, 3 * 24 * time.Hour, 7 * 24 * time.Hour},
		},
		GracePeriod:    14 * 24 * time.Hour,
		StuckThreshold: 30 * time.Minute,
	}

	processor := NewInstallmentProcessor(plans, installments, gw, producer, billingMetrics, nil, settings, log)
	planSvc := NewPlanService(plans, installments, processor, producer, billingMetrics, nil, log)
	rec := NewReconciler(plans, installments, events, producer, billingMetrics, settings.Retry, log)

	return &testEnv{
		plans:        plans,
		installments: installments,
		events:       events,
		gateway:      gw,
		producer:     producer,
		processor:    processor,
		planSvc:      planSvc,
		reconciler:   rec,
		settings:     settings,
	}
}
