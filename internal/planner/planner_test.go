package planner

import (
	"math/rand"
	"testing"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest(kind domain.PlanKind) domain.PlanRequest {
	req := domain.PlanRequest{
		EnrollmentID: uuid.New(),
		PayerID:      uuid.New(),
		CourseID:     uuid.New(),
		Kind:         kind,
		TotalAmount:  30000,
		Currency:     "USD",
	}
	switch kind {
	case domain.PlanKindTrial:
		req.TrialDays = 14
	case domain.PlanKindInstallment:
		req.Installments = 3
		req.Cadence = domain.CadenceMonthly
	case domain.PlanKindSubscription:
		req.Cadence = domain.CadenceMonthly
	}
	return req
}

func TestBuildMonthlyInstallmentSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := validRequest(domain.PlanKindInstallment)
	req.TotalAmount = 30000 // 300.00 в трех платежах

	plan, installments, err := Build(req, now)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateActive, plan.State)
	require.Len(t, installments, 3)

	// Платежи на дни 0, 30 и 60 от создания
	for i, inst := range installments {
		assert.Equal(t, i+1, inst.SequenceNumber)
		assert.Equal(t, int64(10000), inst.Amount)
		assert.Equal(t, now.Add(time.Duration(i)*30*24*time.Hour), inst.DueAt)
		assert.Equal(t, domain.InstallmentStateScheduled, inst.State)
		assert.Equal(t, plan.ID, inst.PlanID)
	}
}

func TestBuildDownPaymentSplit(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	req := validRequest(domain.PlanKindInstallment)
	req.TotalAmount = 50000
	req.DownPayment = 20000
	req.Installments = 4

	_, installments, err := Build(req, now)
	require.NoError(t, err)
	require.Len(t, installments, 4)

	// Взнос — платеж #1 со сроком "сейчас"
	assert.Equal(t, int64(20000), installments[0].Amount)
	assert.Equal(t, now, installments[0].DueAt)

	// Остаток поровну по оставшимся трем
	for _, inst := range installments[1:] {
		assert.Equal(t, int64(10000), inst.Amount)
	}

	// Взнос оплачивает первый период: регулярные платежи со сдвигом
	// на один интервал от якоря
	assert.Equal(t, now.Add(30*24*time.Hour), installments[1].DueAt)
	assert.Equal(t, now.Add(2*30*24*time.Hour), installments[2].DueAt)
}

func TestBuildRoundingRemainderOnLastInstallment(t *testing.T) {
	now := time.Now()
	req := validRequest(domain.PlanKindInstallment)
	req.TotalAmount = 10000 // 100.00 на 3 не делится нацело
	req.Installments = 3

	_, installments, err := Build(req, now)
	require.NoError(t, err)
	require.Len(t, installments, 3)

	assert.Equal(t, int64(3333), installments[0].Amount)
	assert.Equal(t, int64(3333), installments[1].Amount)
	assert.Equal(t, int64(3334), installments[2].Amount)
}

func TestBuildExactSumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Now()

	for i := 0; i < 500; i++ {
		req := validRequest(domain.PlanKindInstallment)
		req.TotalAmount = 1 + rng.Int63n(10_000_000)
		req.Installments = 2 + rng.Intn(23)
		if req.TotalAmount > 1 && rng.Intn(2) == 0 {
			req.DownPayment = rng.Int63n(req.TotalAmount)
		}

		_, installments, err := Build(req, now)
		require.NoError(t, err, "total=%d count=%d down=%d", req.TotalAmount, req.Installments, req.DownPayment)

		var sum int64
		for _, inst := range installments {
			sum += inst.Amount
			assert.GreaterOrEqual(t, inst.Amount, int64(0))
		}
		assert.Equal(t, req.TotalAmount, sum,
			"schedule must sum exactly: total=%d count=%d down=%d", req.TotalAmount, req.Installments, req.DownPayment)
	}
}

func TestBuildTrialPlan(t *testing.T) {
	now := time.Now()
	req := validRequest(domain.PlanKindTrial)

	plan, installments, err := Build(req, now)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateTrial, plan.State)
	assert.Empty(t, installments)
	require.NotNil(t, plan.TrialEndsAt)
	assert.Equal(t, now.Add(14*24*time.Hour), *plan.TrialEndsAt)
}

func TestBuildTrialThenInstallmentsAnchoredAtTrialEnd(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	req := validRequest(domain.PlanKindInstallment)
	req.TrialDays = 7

	plan, installments, err := Build(req, now)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateTrial, plan.State)
	require.Len(t, installments, 3)

	trialEnd := now.Add(7 * 24 * time.Hour)
	assert.Equal(t, trialEnd, installments[0].DueAt)
	assert.Equal(t, trialEnd.Add(30*24*time.Hour), installments[1].DueAt)
}

func TestBuildSubscriptionSingleInstallment(t *testing.T) {
	now := time.Now()
	req := validRequest(domain.PlanKindSubscription)
	req.TotalAmount = 1999

	plan, installments, err := Build(req, now)
	require.NoError(t, err)

	assert.Equal(t, domain.PlanStateActive, plan.State)
	require.Len(t, installments, 1)
	assert.Equal(t, int64(1999), installments[0].Amount)
	assert.Equal(t, now, installments[0].DueAt)
	assert.Equal(t, plan.Cadence, domain.CadenceMonthly)
}

func TestBuildValidationFailures(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*domain.PlanRequest)
		field  string
	}{
		{
			name:   "zero total",
			mutate: func(r *domain.PlanRequest) { r.TotalAmount = 0 },
			field:  "total_amount",
		},
		{
			name:   "negative total",
			mutate: func(r *domain.PlanRequest) { r.TotalAmount = -100 },
			field:  "total_amount",
		},
		{
			name:   "single installment",
			mutate: func(r *domain.PlanRequest) { r.Installments = 1 },
			field:  "installments",
		},
		{
			name:   "down payment equals total",
			mutate: func(r *domain.PlanRequest) { r.DownPayment = r.TotalAmount },
			field:  "down_payment",
		},
		{
			name:   "negative down payment",
			mutate: func(r *domain.PlanRequest) { r.DownPayment = -1 },
			field:  "down_payment",
		},
		{
			name:   "trial too long",
			mutate: func(r *domain.PlanRequest) { r.TrialDays = 91 },
			field:  "trial_days",
		},
		{
			name:   "bad currency",
			mutate: func(r *domain.PlanRequest) { r.Currency = "DOLLARS" },
			field:  "currency",
		},
		{
			name:   "bad cadence",
			mutate: func(r *domain.PlanRequest) { r.Cadence = "fortnightly" },
			field:  "cadence",
		},
		{
			name:   "unknown kind",
			mutate: func(r *domain.PlanRequest) { r.Kind = "lease" },
			field:  "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(domain.PlanKindInstallment)
			tt.mutate(&req)

			_, _, err := Build(req, now)
			require.Error(t, err)

			var verrs domain.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Contains(t, verrs.Fields(), tt.field)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}
