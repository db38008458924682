package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/kafka"
	"github.com/getsinto/sschoool-sub009/internal/metrics"
	"github.com/getsinto/sschoool-sub009/internal/repository"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// Reconciler интерфейс слушателя сверки: применяет асинхронные
// подтверждения платежного шлюза к состоянию планов и списаний
type Reconciler interface {
	// HandleEvent обрабатывает одно вебхук-событие шлюза
	HandleEvent(ctx context.Context, webhook domain.GatewayWebhook) error
}

type reconciler struct {
	plans        repository.PlanRepository
	installments repository.InstallmentRepository
	events       repository.GatewayEventRepository
	producer     kafka.BillingProducer
	metrics      metrics.BillingMetrics
	retry        RetryPolicy
	log          *logger.Logger
}

// NewReconciler создает новый слушатель сверки
func NewReconciler(
	plans repository.PlanRepository,
	installments repository.InstallmentRepository,
	events repository.GatewayEventRepository,
	producer kafka.BillingProducer,
	billingMetrics metrics.BillingMetrics,
	retry RetryPolicy,
	log *logger.Logger,
) Reconciler {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &reconciler{
		plans:        plans,
		installments: installments,
		events:       events,
		producer:     producer,
		metrics:      billingMetrics,
		retry:        retry,
		log:          log,
	}
}

// HandleEvent обрабатывает вебхук-событие шлюза.
//
// Идемпотентность держится на журнале событий: запись вставляется по
// уникальному GatewayEventID, уже обработанное событие — no-op. Отметка
// об обработке ставится строго ПОСЛЕ мутации состояния: сбой между ними
// приводит к повторной обработке (безопасной), но никогда к потерянному
// переходу.
func (r *reconciler) HandleEvent(ctx context.Context, webhook domain.GatewayWebhook) error {
	record := domain.GatewayEventRecord{
		ID:               uuid.New(),
		GatewayEventID:   webhook.EventID,
		Type:             webhook.Type,
		GatewayReference: webhook.GatewayReference,
		Amount:           webhook.Amount,
		Currency:         webhook.Currency,
		ReceivedAt:       time.Now(),
	}

	stored, existed, err := r.events.Upsert(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to record gateway event: %w", err)
	}
	if existed && stored.ProcessedAt != nil {
		r.log.Debugw("Duplicate gateway event ignored",
			"gatewayEventID", webhook.EventID, "type", webhook.Type)
		r.metrics.IncWebhookEvent(string(webhook.Type), "duplicate")
		return domain.ErrDuplicateEvent
	}

	outcome, err := r.applyEvent(ctx, webhook)
	if err != nil {
		r.metrics.IncWebhookEvent(string(webhook.Type), "error")
		return err
	}

	if err := r.events.MarkProcessed(ctx, stored.ID); err != nil && !errors.Is(err, repository.ErrStateConflict) {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	r.metrics.IncWebhookEvent(string(webhook.Type), outcome)
	return nil
}

// applyEvent применяет событие к затронутому списанию и возвращает исход
// для метрик
func (r *reconciler) applyEvent(ctx context.Context, webhook domain.GatewayWebhook) (string, error) {
	inst, err := r.installments.GetByGatewayReference(ctx, webhook.GatewayReference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Ссылка не наша (другой продукт, ручная операция): фиксируем
			// событие как обработанное и не трогаем состояние
			r.log.Warnw("Gateway event references unknown charge",
				"gatewayEventID", webhook.EventID, "reference", webhook.GatewayReference)
			return "unknown_reference", nil
		}
		return "", fmt.Errorf("failed to resolve installment by reference: %w", err)
	}

	plan, err := r.plans.GetByID(ctx, inst.PlanID)
	if err != nil {
		return "", fmt.Errorf("failed to load plan: %w", err)
	}

	switch webhook.Type {
	case domain.GatewayEventTypePaymentSucceeded:
		return r.applySucceeded(ctx, inst, plan)
	case domain.GatewayEventTypePaymentFailed:
		return r.applyFailed(ctx, inst, plan, webhook.FailureMessage)
	case domain.GatewayEventTypeRefunded:
		return r.applyRefund(ctx, inst, webhook.Amount)
	default:
		r.log.Warnw("Unknown gateway event type ignored",
			"gatewayEventID", webhook.EventID, "type", webhook.Type)
		return "ignored", nil
	}
}

// applySucceeded применяет подтверждение успешного списания
func (r *reconciler) applySucceeded(ctx context.Context, inst domain.Installment, plan domain.PaymentPlan) (string, error) {
	now := time.Now()

	// Синхронный путь уже применил исход: событие фиксируется без мутации
	if inst.State == domain.InstallmentStatePaid {
		return "already_applied", nil
	}
	if inst.State.IsTerminal() {
		r.log.Warnw("Success event for terminally failed installment, left untouched",
			"installmentID", inst.ID, "state", inst.State)
		return "state_mismatch", nil
	}

	// Списание могло вернуться в retrying (например, обходом зависших):
	// захватываем его заново, чтобы дойти до paid
	if inst.State == domain.InstallmentStateScheduled || inst.State == domain.InstallmentStateRetrying {
		claimed, err := r.installments.Claim(ctx, inst.ID, now)
		if err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				// Конкурент владеет списанием, его исход применится сам
				return "claimed_elsewhere", nil
			}
			return "", fmt.Errorf("failed to claim installment for reconciliation: %w", err)
		}
		inst = claimed
	}

	paid, err := r.installments.MarkPaid(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return "claimed_elsewhere", nil
		}
		return "", fmt.Errorf("failed to mark installment paid: %w", err)
	}

	r.metrics.IncInstallmentOutcome("paid", paid.Currency)
	r.metrics.ObserveChargeAmount(paid.Amount, paid.Currency, "paid")

	if err := r.producer.PublishInstallmentPaid(ctx, paid); err != nil {
		r.log.Errorw("Failed to publish installment paid event",
			"installmentID", paid.ID, "error", err)
	}

	r.settlePlan(ctx, paid, plan, now)
	return "applied", nil
}

// settlePlan применяет производные переходы плана после подтвержденной оплаты
func (r *reconciler) settlePlan(ctx context.Context, paid domain.Installment, plan domain.PaymentPlan, now time.Time) {
	switch plan.State {
	case domain.PlanStatePastDue:
		updated, err := r.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From:         []domain.PlanState{domain.PlanStatePastDue},
			To:           domain.PlanStateActive,
			ClearPastDue: true,
		})
		if err == nil {
			plan = updated
			r.metrics.IncPlanTransition(string(domain.PlanStateActive))
			r.publishPlanState(ctx, plan, "arrears cleared")
			r.notifyAccess(ctx, plan, true, "arrears cleared")
		} else if !errors.Is(err, repository.ErrStateConflict) {
			r.log.Errorw("Failed to clear plan arrears", "planID", plan.ID, "error", err)
		}
	case domain.PlanStateTrial:
		updated, err := r.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From: []domain.PlanState{domain.PlanStateTrial},
			To:   domain.PlanStateActive,
		})
		if err == nil {
			plan = updated
			r.metrics.IncPlanTransition(string(domain.PlanStateActive))
			r.publishPlanState(ctx, plan, "trial converted by payment")
			r.notifyAccess(ctx, plan, true, "trial converted")
		} else if !errors.Is(err, repository.ErrStateConflict) {
			r.log.Errorw("Failed to convert trial plan", "planID", plan.ID, "error", err)
		}
	}

	if plan.Kind == domain.PlanKindInstallment && plan.State == domain.PlanStateActive {
		all, err := r.installments.ListByPlan(ctx, plan.ID)
		if err != nil {
			r.log.Errorw("Failed to list installments for completion check",
				"planID", plan.ID, "error", err)
			return
		}
		done := true
		for _, i := range all {
			if i.State != domain.InstallmentStatePaid && i.State != domain.InstallmentStateSkipped {
				done = false
				break
			}
		}
		if done {
			updated, err := r.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
				From: []domain.PlanState{domain.PlanStateActive},
				To:   domain.PlanStateCompleted,
			})
			if err == nil {
				r.metrics.IncPlanTransition(string(domain.PlanStateCompleted))
				r.publishPlanState(ctx, updated, "all installments paid")
			} else if !errors.Is(err, repository.ErrStateConflict) {
				r.log.Errorw("Failed to complete plan", "planID", plan.ID, "error", err)
			}
		}
	}

	// Продление подписки после асинхронного подтверждения
	if plan.Kind == domain.PlanKindSubscription && plan.State == domain.PlanStateActive && !plan.CancelAtPeriodEnd {
		all, err := r.installments.ListByPlan(ctx, plan.ID)
		if err != nil {
			return
		}
		hasNext := false
		for _, i := range all {
			if i.SequenceNumber > paid.SequenceNumber {
				hasNext = true
				break
			}
		}
		if !hasNext {
			nextDue := paid.DueAt.Add(plan.Cadence.Interval())
			next := domain.Installment{
				ID:             uuid.New(),
				PlanID:         plan.ID,
				SequenceNumber: paid.SequenceNumber + 1,
				Amount:         plan.TotalAmount,
				Currency:       plan.Currency,
				DueAt:          nextDue,
				State:          domain.InstallmentStateScheduled,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if _, err := r.installments.Create(ctx, next); err != nil {
				r.log.Errorw("Failed to schedule next subscription installment",
					"planID", plan.ID, "error", err)
			}
		}
	}
}

// applyFailed применяет подтверждение отказа: повтор с отступом либо
// окончательный провал и перевод плана в просрочку
func (r *reconciler) applyFailed(ctx context.Context, inst domain.Installment, plan domain.PaymentPlan, failureMessage string) (string, error) {
	now := time.Now()

	if inst.State.IsTerminal() || inst.State == domain.InstallmentStateRetrying {
		// Исход уже разрешен синхронным путем или обходом зависших
		return "already_applied", nil
	}
	if inst.State != domain.InstallmentStateProcessing {
		r.log.Warnw("Failure event for installment not in processing, left untouched",
			"installmentID", inst.ID, "state", inst.State)
		return "state_mismatch", nil
	}

	if inst.AttemptCount >= r.retry.MaxAttempts {
		if _, err := r.installments.MarkFailed(ctx, inst.ID, failureMessage); err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return "claimed_elsewhere", nil
			}
			return "", fmt.Errorf("failed to mark installment failed: %w", err)
		}

		r.metrics.IncInstallmentOutcome("failed", inst.Currency)

		updated, uerr := r.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From:         []domain.PlanState{domain.PlanStateActive, domain.PlanStateTrial},
			To:           domain.PlanStatePastDue,
			PastDueSince: &now,
		})
		if uerr == nil {
			r.metrics.IncPlanTransition(string(domain.PlanStatePastDue))
			r.publishPlanState(ctx, updated, "installment failed: "+failureMessage)
			r.notifyAccess(ctx, updated, false, "payment failed")
		} else if !errors.Is(uerr, repository.ErrStateConflict) {
			r.log.Errorw("Failed to move plan to past_due", "planID", plan.ID, "error", uerr)
		}
		return "applied", nil
	}

	retryAt := now.Add(r.retry.NextBackoff(inst.AttemptCount))
	if _, err := r.installments.MarkRetrying(ctx, inst.ID, retryAt, failureMessage); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return "claimed_elsewhere", nil
		}
		return "", fmt.Errorf("failed to mark installment retrying: %w", err)
	}

	r.metrics.IncInstallmentOutcome("retrying", inst.Currency)
	return "applied", nil
}

// applyRefund фиксирует возврат средств.
// Возвраты — предмет ручного разбора: списание остается paid, доступ не
// отзывается, событие лишь публикуется в поток плана.
func (r *reconciler) applyRefund(ctx context.Context, inst domain.Installment, amount int64) (string, error) {
	if amount == 0 {
		amount = inst.Amount
	}

	r.metrics.IncInstallmentOutcome("refunded", inst.Currency)
	r.metrics.ObserveChargeAmount(amount, inst.Currency, "refunded")

	if err := r.producer.PublishRefund(ctx, inst, amount); err != nil {
		r.log.Errorw("Failed to publish refund event",
			"installmentID", inst.ID, "error", err)
	}

	r.log.Infow("Refund recorded, installment state unchanged",
		"installmentID", inst.ID, "amount", amount)
	return "applied", nil
}

// publishPlanState публикует событие смены состояния плана
func (r *reconciler) publishPlanState(ctx context.Context, plan domain.PaymentPlan, reason string) {
	if err := r.producer.PublishPlanStateChanged(ctx, plan, reason); err != nil {
		r.log.Errorw("Failed to publish plan state change",
			"planID", plan.ID, "state", plan.State, "error", err)
	}
}

// notifyAccess уведомляет шлюз доступа о смене доступа к курсу
func (r *reconciler) notifyAccess(ctx context.Context, plan domain.PaymentPlan, grant bool, reason string) {
	change := domain.AccessChange{
		EnrollmentID: plan.EnrollmentID,
		PlanID:       plan.ID,
		GrantAccess:  grant,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	if err := r.producer.NotifyAccessChange(ctx, change); err != nil {
		r.log.Errorw("Failed to notify access gate",
			"enrollmentID", plan.EnrollmentID, "grant", grant, "error", err)
	}
}
