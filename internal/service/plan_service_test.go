package service

import (
	"context"
	"testing"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installmentPlanRequest() domain.PlanRequest {
	return domain.PlanRequest{
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
}

func TestCreatePlanChargesFirstInstallmentImmediately(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateActive, created.State)
	require.NotNil(t, created.FirstChargeResult)
	assert.Equal(t, domain.InstallmentStatePaid, created.FirstChargeResult.State)
	assert.Equal(t, 1, env.gateway.calls())

	// Доступ выдан при создании
	grants := env.producer.grants(req.EnrollmentID.String())
	assert.NotEmpty(t, grants)
}

func TestCreatePlanDuplicateEnrollmentRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	_, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	_, err = env.planSvc.CreatePlan(ctx, req)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreatePlanValidationFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	req.TotalAmount = 0

	_, err := env.planSvc.CreatePlan(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, env.gateway.calls())
}

func TestCreateTrialPlanNoCharge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	req.TrialDays = 14

	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateTrial, created.State)
	assert.Nil(t, created.FirstChargeResult)
	assert.Equal(t, 0, env.gateway.calls())

	// Доступ открыт уже на триале
	grants := env.producer.grants(req.EnrollmentID.String())
	assert.NotEmpty(t, grants)
}

func TestGetPlanReturnsSchedule(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	created, err := env.planSvc.CreatePlan(ctx, installmentPlanRequest())
	require.NoError(t, err)

	got, err := env.planSvc.GetPlan(ctx, created.PlanID)
	require.NoError(t, err)

	assert.Equal(t, created.PlanID, got.Plan.ID)
	require.Len(t, got.Installments, 3)
	assert.Equal(t, domain.InstallmentStatePaid, got.Installments[0].State)
	assert.Equal(t, domain.InstallmentStateScheduled, got.Installments[1].State)
}

func TestGetPlanNotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.planSvc.GetPlan(context.Background(), newUUID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelTrialPlanNeverCharges(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	req.TrialDays = 14

	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	plan, err := env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeImmediate, "changed mind")
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateCancelled, plan.State)
	assert.Equal(t, 0, env.gateway.calls())

	// Триал имел доступ, отзыв отправлен один раз
	assert.Len(t, env.producer.revocations(req.EnrollmentID.String()), 1)
}

func TestCancelImmediateSkipsPendingInstallments(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	plan, err := env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeImmediate, "refund requested")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCancelled, plan.State)

	got, err := env.planSvc.GetPlan(ctx, created.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallmentStatePaid, got.Installments[0].State)
	assert.Equal(t, domain.InstallmentStateSkipped, got.Installments[1].State)
	assert.Equal(t, domain.InstallmentStateSkipped, got.Installments[2].State)

	assert.Len(t, env.producer.revocations(req.EnrollmentID.String()), 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	_, err = env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeImmediate, "refund requested")
	require.NoError(t, err)

	// Повторная отмена не ошибка и не дублирует отзыв доступа
	plan, err := env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeImmediate, "refund requested")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCancelled, plan.State)
	assert.Len(t, env.producer.revocations(req.EnrollmentID.String()), 1)
}

func TestCancelAtPeriodEndKeepsPlanActive(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := domain.PlanRequest{
		EnrollmentID:     newUUID(),
		PayerID:          newUUID(),
		CourseID:         newUUID(),
		Kind:             domain.PlanKindSubscription,
		TotalAmount:      1999,
		Currency:         "USD",
		Cadence:          domain.CadenceMonthly,
		PaymentMethodRef: "pm_card_visa",
	}
	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	plan, err := env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeAtPeriodEnd, "downgrading")
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateActive, plan.State)
	assert.True(t, plan.CancelAtPeriodEnd)

	// Доступ сохраняется до конца оплаченного периода
	assert.Empty(t, env.producer.revocations(req.EnrollmentID.String()))
}

func TestCancelInvalidMode(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	created, err := env.planSvc.CreatePlan(ctx, installmentPlanRequest())
	require.NoError(t, err)

	_, err = env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelMode("later"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConvertTrialActivatesPlan(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := installmentPlanRequest()
	req.TrialDays = 14

	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.PlanStateTrial, created.State)

	plan, err := env.planSvc.ConvertTrial(ctx, created.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateActive, plan.State)

	// Повторная конверсия конфликтует
	_, err = env.planSvc.ConvertTrial(ctx, created.PlanID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestDeferredCancellationAppliedWhenPeriodLapses(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := domain.PlanRequest{
		EnrollmentID:     newUUID(),
		PayerID:          newUUID(),
		CourseID:         newUUID(),
		Kind:             domain.PlanKindSubscription,
		TotalAmount:      1999,
		Currency:         "USD",
		Cadence:          domain.CadenceMonthly,
		PaymentMethodRef: "pm_card_visa",
	}
	created, err := env.planSvc.CreatePlan(ctx, req)
	require.NoError(t, err)

	_, err = env.planSvc.CancelPlan(ctx, created.PlanID, domain.CancelModeAtPeriodEnd, "downgrading")
	require.NoError(t, err)

	// Первый период оплачен при создании
	require.Equal(t, 1, env.gateway.calls())

	// Оплаченный период еще идет: продление запланировано на +30 дней
	_, err = env.processor.RunDueScan(ctx)
	require.NoError(t, err)
	mid, err := env.plans.GetByID(ctx, created.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateActive, mid.State)

	// Сдвигаем срок продления в прошлое: период выработан
	all, err := env.installments.ListByPlan(ctx, created.PlanID)
	require.NoError(t, err)
	for _, inst := range all {
		if inst.State == domain.InstallmentStateScheduled {
			backdateDue(t, env, inst.ID, time.Now().Add(-time.Minute))
		}
	}

	_, err = env.processor.RunDueScan(ctx)
	require.NoError(t, err)

	final, err := env.plans.GetByID(ctx, created.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStateCancelled, final.State)
	assert.Len(t, env.producer.revocations(req.EnrollmentID.String()), 1)

	// Продление не списано, а пропущено: за отмененный период денег не берут
	assert.Equal(t, 1, env.gateway.calls())
	all, err = env.installments.ListByPlan(ctx, created.PlanID)
	require.NoError(t, err)
	for _, inst := range all {
		if inst.SequenceNumber > 1 {
			assert.Equal(t, domain.InstallmentStateSkipped, inst.State)
		}
	}
}

func TestListUpcomingAndOverdue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	payerID := newUUID()

	// План с платежом в будущем
	upcomingReq := installmentPlanRequest()
	upcomingReq.PayerID = payerID
	_, err := env.planSvc.CreatePlan(ctx, upcomingReq)
	require.NoError(t, err)

	// План с просроченным платежом, созданный напрямую
	overdueReq := installmentPlanRequest()
	overdueReq.PayerID = payerID
	_, overdueInstallments := buildAndStore(t, env, overdueReq, time.Now().Add(-40*24*time.Hour))

	upcoming, err := env.planSvc.ListUpcoming(ctx, payerID)
	require.NoError(t, err)
	require.NotEmpty(t, upcoming)
	for _, inst := range upcoming {
		assert.True(t, inst.DueAt.After(time.Now()))
	}

	overdue, err := env.planSvc.ListOverdue(ctx, payerID)
	require.NoError(t, err)
	require.NotEmpty(t, overdue)
	for _, inst := range overdue {
		assert.False(t, inst.DueAt.After(time.Now()))
	}
	_ = overdueInstallments
}
