package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/gateway"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createInstallmentPlan сохраняет активный план рассрочки, все платежи
// которого уже подлежат списанию
func createInstallmentPlan(t *testing.T, env *testEnv, count int, amount int64) (domain.PaymentPlan, []domain.Installment) {
	t.Helper()

	req := domain.PlanRequest{
		EnrollmentID:     newUUID(),
		PayerID:          newUUID(),
		CourseID:         newUUID(),
		Kind:             domain.PlanKindInstallment,
		TotalAmount:      amount,
		Currency:         "USD",
		Installments:     count,
		Cadence:          domain.CadenceMonthly,
		PaymentMethodRef: "pm_card_visa",
	}

	now := time.Now().Add(-time.Duration(count) * 30 * 24 * time.Hour)
	return buildAndStore(t, env, req, now)
}

func TestProcessInstallmentSuccess(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 3, 30000)

	result, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	assert.Equal(t, domain.InstallmentStatePaid, result.State)
	assert.Equal(t, domain.PlanStateActive, result.PlanState)
	assert.Equal(t, 1, env.gateway.calls())

	stored, err := env.installments.GetByID(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.NotEmpty(t, stored.GatewayReference)
	_ = plan
}

func TestProcessInstallmentIdempotencyKeyCarriesAttempt(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)

	env.gateway.enqueue(gateway.ChargeResult{
		Status:         gateway.ChargeStatusDeclined,
		FailureMessage: "card_declined",
	}, nil)

	_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	// Повтор после отказа: возвращаем платеж в очередь вручную
	forceRetryNow(t, env, installments[0].ID)

	_, err = env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	require.Len(t, env.gateway.charges, 2)
	assert.Equal(t, installments[0].ID.String()+":1", env.gateway.charges[0].IdempotencyKey)
	assert.Equal(t, installments[0].ID.String()+":2", env.gateway.charges[1].IdempotencyKey)
}

func TestProcessInstallmentNotDue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := domain.PlanRequest{
		EnrollmentID: newUUID(),
		PayerID:      newUUID(),
		CourseID:     newUUID(),
		Kind:         domain.PlanKindInstallment,
		TotalAmount:  30000,
		Currency:     "USD",
		Installments: 3,
		Cadence:      domain.CadenceMonthly,
	}
	_, installments := buildAndStore(t, env, req, time.Now())

	// Платеж #2 подлежит списанию только через 30 дней
	_, err := env.processor.ProcessInstallment(ctx, installments[1].ID, domain.ProcessRequest{})
	assert.ErrorIs(t, err, domain.ErrNotDue)
	assert.Equal(t, 0, env.gateway.calls())
}

func TestProcessInstallmentConcurrentClaimMutualExclusion(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)
	target := installments[0].ID

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = env.processor.ProcessInstallment(ctx, target, domain.ProcessRequest{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
	}

	// Ровно один победитель, ровно одно обращение к шлюзу
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, env.gateway.calls())

	stored, err := env.installments.GetByID(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestProcessInstallmentDeclineSchedulesRetry(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)

	env.gateway.enqueue(gateway.ChargeResult{
		Status:         gateway.ChargeStatusDeclined,
		FailureMessage: "insufficient_funds",
	}, nil)

	result, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	assert.Equal(t, domain.InstallmentStateRetrying, result.State)
	require.NotNil(t, result.NextRetryAt)

	// Первый отказ: повтор через 1 день
	expected := time.Now().Add(24 * time.Hour)
	assert.WithinDuration(t, expected, *result.NextRetryAt, time.Minute)

	stored, err := env.installments.GetByID(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_funds", stored.FailureMessage)
}

func TestThreeDeclinesFailInstallmentAndRevokeOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 2, 20000)
	target := installments[0].ID

	for i := 0; i < 3; i++ {
		env.gateway.enqueue(gateway.ChargeResult{
			Status:         gateway.ChargeStatusDeclined,
			FailureMessage: "card_declined",
		}, nil)
	}

	var result domain.InstallmentResult
	var err error
	for i := 0; i < 3; i++ {
		if i > 0 {
			forceRetryNow(t, env, target)
		}
		result, err = env.processor.ProcessInstallment(ctx, target, domain.ProcessRequest{})
		require.NoError(t, err)
	}

	assert.Equal(t, domain.InstallmentStateFailed, result.State)
	assert.Equal(t, domain.PlanStatePastDue, result.PlanState)

	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatePastDue, storedPlan.State)
	require.NotNil(t, storedPlan.PastDueSince)

	// Отзыв доступа ровно один раз
	revocations := env.producer.revocations(plan.EnrollmentID.String())
	assert.Len(t, revocations, 1)
}

func TestSuccessfulPaymentClearsArrears(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 3, 30000)

	// Загоняем план в просрочку тремя отказами по первому платежу
	for i := 0; i < 3; i++ {
		env.gateway.enqueue(gateway.ChargeResult{Status: gateway.ChargeStatusDeclined}, nil)
	}
	for i := 0; i < 3; i++ {
		if i > 0 {
			forceRetryNow(t, env, installments[0].ID)
		}
		_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
		require.NoError(t, err)
	}

	// Успешная оплата следующего платежа гасит задолженность
	result, err := env.processor.ProcessInstallment(ctx, installments[1].ID, domain.ProcessRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateActive, result.PlanState)

	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateActive, storedPlan.State)
	assert.Nil(t, storedPlan.PastDueSince)

	// Доступ возвращен
	grants := env.producer.grants(plan.EnrollmentID.String())
	assert.NotEmpty(t, grants)
}

func TestLastInstallmentCompletesPlan(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 2, 20000)

	for _, inst := range installments {
		_, err := env.processor.ProcessInstallment(ctx, inst.ID, domain.ProcessRequest{})
		require.NoError(t, err)
	}

	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCompleted, storedPlan.State)
}

func TestSubscriptionRenewalSchedulesNextPeriod(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := domain.PlanRequest{
		EnrollmentID: newUUID(),
		PayerID:      newUUID(),
		CourseID:     newUUID(),
		Kind:         domain.PlanKindSubscription,
		TotalAmount:  1999,
		Currency:     "USD",
		Cadence:      domain.CadenceMonthly,
	}
	plan, installments := buildAndStore(t, env, req, time.Now().Add(-time.Minute))
	require.Len(t, installments, 1)

	result, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	require.NotNil(t, result.NextDueAt)
	assert.Equal(t, installments[0].DueAt.Add(30*24*time.Hour), *result.NextDueAt)

	all, err := env.installments.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[1].SequenceNumber)
	assert.Equal(t, int64(1999), all[1].Amount)
	assert.Equal(t, domain.InstallmentStateScheduled, all[1].State)

	// Подписка остается активной, не завершается
	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateActive, storedPlan.State)
}

func TestGatewayTimeoutLeavesProcessing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)
	target := installments[0].ID

	env.gateway.enqueue(gateway.ChargeResult{}, domain.NewGatewayError("timeout", "request timed out", true, nil))

	result, err := env.processor.ProcessInstallment(ctx, target, domain.ProcessRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStateProcessing, result.State)

	stored, err := env.installments.GetByID(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStateProcessing, stored.State)
}

func TestStuckSweepAppliesConfirmedSuccess(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 2, 20000)
	target := installments[0].ID

	// Таймаут оставляет списание в processing со ссылкой шлюза
	env.gateway.enqueue(gateway.ChargeResult{
		Status:           gateway.ChargeStatusPending,
		GatewayReference: "pi_stuck_1",
	}, nil)
	_, err := env.processor.ProcessInstallment(ctx, target, domain.ProcessRequest{})
	require.NoError(t, err)

	// Делаем списание "зависшим" и подтверждаем успех на стороне шлюза
	backdateLastAttempt(t, env, target, time.Now().Add(-time.Hour))
	env.gateway.getResults["pi_stuck_1"] = gateway.ChargeResult{
		Status:           gateway.ChargeStatusSucceeded,
		GatewayReference: "pi_stuck_1",
	}

	resolved, err := env.processor.RunStuckSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stored, err := env.installments.GetByID(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, stored.State)
	_ = plan
}

func TestStuckSweepRequeuesAbsentCharge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)
	target := installments[0].ID

	env.gateway.enqueue(gateway.ChargeResult{
		Status:           gateway.ChargeStatusPending,
		GatewayReference: "pi_lost_1",
	}, nil)
	_, err := env.processor.ProcessInstallment(ctx, target, domain.ProcessRequest{})
	require.NoError(t, err)

	backdateLastAttempt(t, env, target, time.Now().Add(-time.Hour))
	env.gateway.getErrs["pi_lost_1"] = domain.ErrNotFound

	resolved, err := env.processor.RunStuckSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	stored, err := env.installments.GetByID(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStateRetrying, stored.State)
}

func TestDueScanProcessesLowestSequenceFirst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	plan, installments := createInstallmentPlan(t, env, 3, 30000)

	processed, err := env.processor.RunDueScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// Один обход — одно списание, строго платеж #1
	first, err := env.installments.GetByID(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, first.State)

	second, err := env.installments.GetByID(ctx, installments[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStateScheduled, second.State)
	_ = plan
}

func TestRefundInstallmentRequiresPaidState(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)

	_, err := env.processor.RefundInstallment(ctx, installments[0].ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRefundInstallmentInitiatesGatewayRefund(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)

	_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)

	res, err := env.processor.RefundInstallment(ctx, installments[0].ID, 2500)
	require.NoError(t, err)
	assert.NotEmpty(t, res.GatewayReference)

	// Списание остается paid до подтверждающего вебхука
	stored, err := env.installments.GetByID(ctx, installments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, stored.State)
}

func TestGracePeriodAutoCancel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Платеж #1 к списанию сейчас, платеж #2 только через 30 дней
	req := domain.PlanRequest{
		EnrollmentID:     newUUID(),
		PayerID:          newUUID(),
		CourseID:         newUUID(),
		Kind:             domain.PlanKindInstallment,
		TotalAmount:      20000,
		Currency:         "USD",
		Installments:     2,
		Cadence:          domain.CadenceMonthly,
		PaymentMethodRef: "pm_card_visa",
	}
	plan, installments := buildAndStore(t, env, req, time.Now().Add(-time.Minute))

	// Три отказа переводят план в просрочку
	for i := 0; i < 3; i++ {
		env.gateway.enqueue(gateway.ChargeResult{Status: gateway.ChargeStatusDeclined}, nil)
	}
	for i := 0; i < 3; i++ {
		if i > 0 {
			forceRetryNow(t, env, installments[0].ID)
		}
		_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
		require.NoError(t, err)
	}

	// Просрочка старше настроенного срока ожидания
	backdatePastDue(t, env, plan.ID, time.Now().Add(-15*24*time.Hour))

	_, err := env.processor.RunDueScan(ctx)
	require.NoError(t, err)

	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCancelled, storedPlan.State)

	// Оставшийся платеж пропущен
	second, err := env.installments.GetByID(ctx, installments[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStateSkipped, second.State)

	// Отзыв доступа не дублируется: он уже ушел при переходе в past_due
	revocations := env.producer.revocations(plan.EnrollmentID.String())
	assert.Len(t, revocations, 1)
}

func TestProcessInstallmentAlreadyPaidNotDue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, installments := createInstallmentPlan(t, env, 2, 20000)

	_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, env.gateway.calls())

	// Повторная попытка уже оплаченного платежа отклоняется до захвата
	_, err = env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	assert.ErrorIs(t, err, domain.ErrNotDue)
	assert.Equal(t, 1, env.gateway.calls())
}

func TestDeferredCancellationStopsNextInstallmentCharge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := domain.PlanRequest{
		EnrollmentID:     newUUID(),
		PayerID:          newUUID(),
		CourseID:         newUUID(),
		Kind:             domain.PlanKindInstallment,
		TotalAmount:      30000,
		Currency:         "USD",
		Installments:     3,
		Cadence:          domain.CadenceMonthly,
		PaymentMethodRef: "pm_card_visa",
	}
	plan, installments := buildAndStore(t, env, req, time.Now().Add(-time.Minute))

	// Первый платеж оплачен, остальные в будущем
	_, err := env.processor.ProcessInstallment(ctx, installments[0].ID, domain.ProcessRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, env.gateway.calls())

	_, err = env.planSvc.CancelPlan(ctx, plan.ID, domain.CancelModeAtPeriodEnd, "changed mind")
	require.NoError(t, err)

	// Второй платеж дозрел: он открыл бы новый период и потому не списывается
	backdateDue(t, env, installments[1].ID, time.Now().Add(-time.Hour))

	_, err = env.processor.RunDueScan(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, env.gateway.calls())

	storedPlan, err := env.plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCancelled, storedPlan.State)

	for _, id := range []uuid.UUID{installments[1].ID, installments[2].ID} {
		inst, err := env.installments.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.InstallmentStateSkipped, inst.State)
	}

	assert.Len(t, env.producer.revocations(plan.EnrollmentID.String()), 1)
}
