package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/kafka"
	"github.com/getsinto/sschoool-sub009/internal/metrics"
	"github.com/getsinto/sschoool-sub009/internal/planner"
	"github.com/getsinto/sschoool-sub009/internal/repository"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// PlanCache интерфейс кеша планов и списаний плательщика.
// Реализуется repository.RedisCacheRepository; nil отключает кеширование.
type PlanCache interface {
	CachePlan(ctx context.Context, plan domain.PaymentPlan) error
	GetCachedPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error)
	InvalidatePlan(ctx context.Context, planID uuid.UUID) error
	CachePayerInstallments(ctx context.Context, payerID uuid.UUID, overdue bool, installments []domain.Installment) error
	GetCachedPayerInstallments(ctx context.Context, payerID uuid.UUID, overdue bool) ([]domain.Installment, error)
	InvalidatePayerInstallments(ctx context.Context, payerID uuid.UUID) error
}

// PlanWithSchedule план вместе с его графиком списаний
type PlanWithSchedule struct {
	Plan         domain.PaymentPlan   `json:"plan"`
	Installments []domain.Installment `json:"installments"`
}

// PlanService интерфейс сервиса платежных планов
type PlanService interface {
	// CreatePlan строит и сохраняет план; первый платеж со сроком "сейчас"
	// списывается немедленно
	CreatePlan(ctx context.Context, req domain.PlanRequest) (domain.PlanCreated, error)

	// GetPlan возвращает план с графиком списаний
	GetPlan(ctx context.Context, planID uuid.UUID) (PlanWithSchedule, error)

	// CancelPlan отменяет план немедленно или в конце оплаченного периода
	CancelPlan(ctx context.Context, planID uuid.UUID, mode domain.CancelMode, reason string) (domain.PaymentPlan, error)

	// ConvertTrial конвертирует триал в активный план
	ConvertTrial(ctx context.Context, planID uuid.UUID) (domain.PaymentPlan, error)

	// ListUpcoming возвращает будущие списания плательщика
	ListUpcoming(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error)

	// ListOverdue возвращает просроченные списания плательщика
	ListOverdue(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error)
}

type planService struct {
	plans        repository.PlanRepository
	installments repository.InstallmentRepository
	processor    InstallmentProcessor
	producer     kafka.BillingProducer
	metrics      metrics.BillingMetrics
	cache        PlanCache
	log          *logger.Logger
}

// NewPlanService создает новый сервис платежных планов
func NewPlanService(
	plans repository.PlanRepository,
	installments repository.InstallmentRepository,
	processor InstallmentProcessor,
	producer kafka.BillingProducer,
	billingMetrics metrics.BillingMetrics,
	cache PlanCache,
	log *logger.Logger,
) PlanService {
	return &planService{
		plans:        plans,
		installments: installments,
		processor:    processor,
		producer:     producer,
		metrics:      billingMetrics,
		cache:        cache,
		log:          log,
	}
}

// CreatePlan строит график, сохраняет план и выдает доступ к курсу.
// Первоначальный взнос (платеж со сроком "сейчас") списывается сразу же;
// неудача списания не отменяет создание плана — платеж уходит в повторы.
func (s *planService) CreatePlan(ctx context.Context, req domain.PlanRequest) (domain.PlanCreated, error) {
	now := time.Now()

	plan, installments, err := planner.Build(req, now)
	if err != nil {
		return domain.PlanCreated{}, err
	}

	created, err := s.plans.Create(ctx, plan, installments)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.PlanCreated{}, domain.NewConflictError("plan", plan.ID.String(), "new")
		}
		return domain.PlanCreated{}, fmt.Errorf("failed to create plan: %w", err)
	}

	s.metrics.IncPlanCreated(string(created.Kind))
	s.log.Infow("Payment plan created",
		"planID", created.ID, "kind", created.Kind, "state", created.State,
		"installments", len(installments))

	if err := s.producer.PublishPlanStateChanged(ctx, created, "plan created"); err != nil {
		s.log.Errorw("Failed to publish plan created event", "planID", created.ID, "error", err)
	}

	// Доступ открывается при создании: и триал, и оплачиваемый план
	// дают доступ с первого дня
	s.notifyAccess(ctx, created, true, "plan created")

	result := domain.PlanCreated{
		PlanID: created.ID,
		State:  created.State,
	}

	// Немедленное списание платежа, подлежащего оплате при создании
	for _, inst := range installments {
		if inst.DueAt.After(now) {
			continue
		}
		chargeRes, err := s.processor.ProcessInstallment(ctx, inst.ID, domain.ProcessRequest{
			PaymentMethodRef: req.PaymentMethodRef,
		})
		if err != nil {
			s.log.Warnw("First charge failed at plan creation",
				"planID", created.ID, "installmentID", inst.ID, "error", err)
			break
		}
		result.FirstChargeResult = &chargeRes
		result.State = chargeRes.PlanState
		break
	}

	return result, nil
}

// GetPlan возвращает план с графиком списаний
func (s *planService) GetPlan(ctx context.Context, planID uuid.UUID) (PlanWithSchedule, error) {
	var plan domain.PaymentPlan

	if s.cache != nil {
		if cached, err := s.cache.GetCachedPlan(ctx, planID); err == nil && cached != nil {
			plan = *cached
		}
	}

	if plan.ID == uuid.Nil {
		loaded, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return PlanWithSchedule{}, domain.NewNotFoundError("plan", planID.String())
			}
			return PlanWithSchedule{}, fmt.Errorf("failed to get plan: %w", err)
		}
		plan = loaded

		if s.cache != nil {
			if err := s.cache.CachePlan(ctx, plan); err != nil {
				s.log.Warnw("Failed to cache plan", "planID", planID, "error", err)
			}
		}
	}

	installments, err := s.installments.ListByPlan(ctx, planID)
	if err != nil {
		return PlanWithSchedule{}, fmt.Errorf("failed to list installments: %w", err)
	}

	return PlanWithSchedule{Plan: plan, Installments: installments}, nil
}

// CancelPlan отменяет план.
//
// Немедленная отмена: план -> cancelled, незавершенные платежи -> skipped,
// доступ отзывается. Отмена триала до конверсии не трогает шлюз вовсе.
// Отложенная отмена лишь помечает план: доступ и платеж текущего периода
// остаются нетронутыми до конца оплаченного времени.
func (s *planService) CancelPlan(ctx context.Context, planID uuid.UUID, mode domain.CancelMode, reason string) (domain.PaymentPlan, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.PaymentPlan{}, domain.NewNotFoundError("plan", planID.String())
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to get plan: %w", err)
	}

	if plan.State.IsTerminal() {
		// Повторная отмена — no-op, возвращаем текущее состояние
		return plan, nil
	}

	switch mode {
	case domain.CancelModeAtPeriodEnd:
		if err := s.plans.SetCancelAtPeriodEnd(ctx, planID, reason); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				current, getErr := s.plans.GetByID(ctx, planID)
				if getErr == nil && current.State.IsTerminal() {
					return current, nil
				}
				return domain.PaymentPlan{}, domain.NewConflictError("plan", planID.String(), string(plan.State))
			}
			return domain.PaymentPlan{}, fmt.Errorf("failed to defer cancellation: %w", err)
		}

		updated, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			return domain.PaymentPlan{}, fmt.Errorf("failed to reload plan: %w", err)
		}
		s.log.Infow("Plan marked for cancellation at period end", "planID", planID)
		s.invalidateCache(ctx, updated)
		return updated, nil

	case domain.CancelModeImmediate:
		now := time.Now()
		hadAccess := plan.State == domain.PlanStateTrial || plan.State == domain.PlanStateActive

		updated, err := s.plans.UpdateState(ctx, planID, repository.PlanStateUpdate{
			From:         []domain.PlanState{domain.PlanStateTrial, domain.PlanStateActive, domain.PlanStatePastDue},
			To:           domain.PlanStateCancelled,
			CancelledAt:  &now,
			CancelReason: reason,
		})
		if err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				current, getErr := s.plans.GetByID(ctx, planID)
				if getErr == nil && current.State.IsTerminal() {
					return current, nil
				}
				return domain.PaymentPlan{}, domain.NewConflictError("plan", planID.String(), string(plan.State))
			}
			return domain.PaymentPlan{}, fmt.Errorf("failed to cancel plan: %w", err)
		}

		skipped, err := s.installments.SkipPending(ctx, planID)
		if err != nil {
			s.log.Errorw("Failed to skip pending installments", "planID", planID, "error", err)
		}

		s.metrics.IncPlanTransition(string(domain.PlanStateCancelled))
		s.log.Infow("Plan cancelled", "planID", planID, "skippedInstallments", skipped)

		if err := s.producer.PublishPlanStateChanged(ctx, updated, reason); err != nil {
			s.log.Errorw("Failed to publish plan cancelled event", "planID", planID, "error", err)
		}
		if hadAccess {
			s.notifyAccess(ctx, updated, false, "plan cancelled")
		}

		s.invalidateCache(ctx, updated)
		return updated, nil

	default:
		var errs domain.ValidationErrors
		errs.Add("mode", "must be one of: immediate, at_period_end")
		return domain.PaymentPlan{}, errs
	}
}

// ConvertTrial конвертирует триал в активный план по явному запросу
func (s *planService) ConvertTrial(ctx context.Context, planID uuid.UUID) (domain.PaymentPlan, error) {
	updated, err := s.plans.UpdateState(ctx, planID, repository.PlanStateUpdate{
		From: []domain.PlanState{domain.PlanStateTrial},
		To:   domain.PlanStateActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return domain.PaymentPlan{}, domain.NewNotFoundError("plan", planID.String())
		case errors.Is(err, repository.ErrStateConflict):
			return domain.PaymentPlan{}, domain.NewConflictError("plan", planID.String(), string(domain.PlanStateTrial))
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to convert trial: %w", err)
	}

	s.metrics.IncPlanTransition(string(domain.PlanStateActive))
	s.log.Infow("Trial converted", "planID", planID)

	if err := s.producer.PublishPlanStateChanged(ctx, updated, "trial converted"); err != nil {
		s.log.Errorw("Failed to publish trial converted event", "planID", planID, "error", err)
	}
	s.notifyAccess(ctx, updated, true, "trial converted")

	s.invalidateCache(ctx, updated)
	return updated, nil
}

// ListUpcoming возвращает будущие списания плательщика (кешируются с коротким TTL)
func (s *planService) ListUpcoming(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetCachedPayerInstallments(ctx, payerID, false); err == nil && cached != nil {
			return cached, nil
		}
	}

	installments, err := s.installments.ListUpcomingByPayer(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming installments: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CachePayerInstallments(ctx, payerID, false, installments); err != nil {
			s.log.Warnw("Failed to cache upcoming installments", "payerID", payerID, "error", err)
		}
	}
	return installments, nil
}

// ListOverdue возвращает просроченные списания плательщика
func (s *planService) ListOverdue(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetCachedPayerInstallments(ctx, payerID, true); err == nil && cached != nil {
			return cached, nil
		}
	}

	installments, err := s.installments.ListOverdueByPayer(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue installments: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.CachePayerInstallments(ctx, payerID, true, installments); err != nil {
			s.log.Warnw("Failed to cache overdue installments", "payerID", payerID, "error", err)
		}
	}
	return installments, nil
}

// notifyAccess уведомляет шлюз доступа о смене доступа к курсу
func (s *planService) notifyAccess(ctx context.Context, plan domain.PaymentPlan, grant bool, reason string) {
	change := domain.AccessChange{
		EnrollmentID: plan.EnrollmentID,
		PlanID:       plan.ID,
		GrantAccess:  grant,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	if err := s.producer.NotifyAccessChange(ctx, change); err != nil {
		s.log.Errorw("Failed to notify access gate",
			"enrollmentID", plan.EnrollmentID, "grant", grant, "error", err)
	}
}

// invalidateCache сбрасывает кеши, затронутые мутацией плана
func (s *planService) invalidateCache(ctx context.Context, plan domain.PaymentPlan) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePlan(ctx, plan.ID); err != nil {
		s.log.Warnw("Failed to invalidate plan cache", "planID", plan.ID, "error", err)
	}
	if err := s.cache.InvalidatePayerInstallments(ctx, plan.PayerID); err != nil {
		s.log.Warnw("Failed to invalidate payer cache", "payerID", plan.PayerID, "error", err)
	}
}
