package planner

import (
	"strings"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/google/uuid"
)

const (
	// MinTrialDays минимальная длительность триала в днях
	MinTrialDays = 1
	// MaxTrialDays максимальная длительность триала в днях
	MaxTrialDays = 90
	// MinInstallments минимальное число платежей для рассрочки
	MinInstallments = 2
)

// Build строит платежный план и его график списаний по запросу.
// Результат не сохраняется: персистентность — забота вызывающего слоя.
//
// Правила графика:
//   - первоначальный взнос (down payment) становится платежом #1 и подлежит
//     списанию немедленно; он оплачивает первый период, поэтому регулярные
//     платежи сдвигаются на один интервал от якоря;
//   - остаток делится поровну по оставшимся платежам, остаток округления
//     в минимальных единицах валюты добавляется к последнему платежу,
//     чтобы сумма сходилась точно;
//   - даты считаются от якоря: момент создания, либо конец триала, если
//     триал предшествует списаниям.
func Build(req domain.PlanRequest, now time.Time) (domain.PaymentPlan, []domain.Installment, error) {
	if err := validate(req); err != nil {
		return domain.PaymentPlan{}, nil, err
	}

	plan := domain.PaymentPlan{
		ID:               uuid.New(),
		EnrollmentID:     req.EnrollmentID,
		PayerID:          req.PayerID,
		CourseID:         req.CourseID,
		Kind:             req.Kind,
		TotalAmount:      req.TotalAmount,
		Currency:         strings.ToUpper(req.Currency),
		Cadence:          req.Cadence,
		PaymentMethodRef: req.PaymentMethodRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	anchor := now
	if req.TrialDays > 0 {
		trialEnd := now.Add(time.Duration(req.TrialDays) * 24 * time.Hour)
		plan.TrialEndsAt = &trialEnd
		plan.State = domain.PlanStateTrial
		anchor = trialEnd
	} else {
		plan.State = domain.PlanStateActive
	}

	if req.Kind == domain.PlanKindTrial {
		// Чистый триал: ни одного списания до конверсии
		plan.State = domain.PlanStateTrial
		return plan, nil, nil
	}

	count := req.Installments
	if req.Kind == domain.PlanKindSubscription {
		count = 1
	}

	installments := buildSchedule(plan, count, req.DownPayment, now, anchor)
	return plan, installments, nil
}

// buildSchedule строит упорядоченный список платежей плана.
func buildSchedule(plan domain.PaymentPlan, count int, downPayment int64, now, anchor time.Time) []domain.Installment {
	interval := plan.Cadence.Interval()
	installments := make([]domain.Installment, 0, count)

	remaining := plan.TotalAmount - downPayment
	regularCount := count
	if downPayment > 0 {
		regularCount = count - 1
	}

	var per int64
	if regularCount > 0 {
		per = remaining / int64(regularCount)
	}

	regularIdx := 0 // Порядковый номер регулярного платежа от якоря
	if downPayment > 0 {
		// Взнос закрывает первый период, регулярные платежи начинаются
		// со следующего интервала
		regularIdx = 1
	}
	for seq := 1; seq <= count; seq++ {
		inst := domain.Installment{
			ID:             uuid.New(),
			PlanID:         plan.ID,
			SequenceNumber: seq,
			Currency:       plan.Currency,
			State:          domain.InstallmentStateScheduled,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if downPayment > 0 && seq == 1 {
			inst.Amount = downPayment
			inst.DueAt = now
		} else {
			inst.Amount = per
			inst.DueAt = anchor.Add(time.Duration(regularIdx) * interval)
			regularIdx++
		}

		installments = append(installments, inst)
	}

	// Остаток округления уходит в последний платеж, сумма сходится точно
	var sum int64
	for _, inst := range installments {
		sum += inst.Amount
	}
	if diff := plan.TotalAmount - sum; diff != 0 {
		installments[len(installments)-1].Amount += diff
	}

	return installments
}

// validate проверяет входные параметры плана.
// Ошибки валидации не подлежат повтору и возвращаются вызывающему сразу.
func validate(req domain.PlanRequest) error {
	var errs domain.ValidationErrors

	switch req.Kind {
	case domain.PlanKindTrial, domain.PlanKindInstallment, domain.PlanKindSubscription:
	default:
		errs.Add("kind", "must be one of: trial, installment, subscription")
	}

	if req.TotalAmount <= 0 {
		errs.Add("total_amount", "must be positive")
	}

	if len(req.Currency) != 3 {
		errs.Add("currency", "must be a 3-letter ISO code")
	}

	if req.DownPayment < 0 {
		errs.Add("down_payment", "must not be negative")
	} else if req.DownPayment > 0 && req.DownPayment >= req.TotalAmount {
		errs.Add("down_payment", "must be less than total amount")
	}

	if req.TrialDays != 0 && (req.TrialDays < MinTrialDays || req.TrialDays > MaxTrialDays) {
		errs.Add("trial_days", "must be between 1 and 90")
	}

	switch req.Kind {
	case domain.PlanKindTrial:
		if req.Installments != 0 {
			errs.Add("installments", "must be zero for a trial plan")
		}
		if req.TrialDays == 0 {
			errs.Add("trial_days", "required for a trial plan")
		}
	case domain.PlanKindInstallment:
		if req.Installments < MinInstallments {
			errs.Add("installments", "must be at least 2")
		}
		if !req.Cadence.Valid() {
			errs.Add("cadence", "must be one of: weekly, biweekly, monthly, quarterly, yearly")
		}
	case domain.PlanKindSubscription:
		if req.Installments > 1 {
			errs.Add("installments", "must be at most 1 for a subscription")
		}
		if !req.Cadence.Valid() {
			errs.Add("cadence", "must be one of: weekly, biweekly, monthly, quarterly, yearly")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
