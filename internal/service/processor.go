package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/gateway"
	"github.com/getsinto/sschoool-sub009/internal/kafka"
	"github.com/getsinto/sschoool-sub009/internal/metrics"
	"github.com/getsinto/sschoool-sub009/internal/repository"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// RetryPolicy политика повторов неудачных списаний
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy возвращает политику повторов по умолчанию: 3 попытки,
// отступы 1, 3 и 7 дней
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: []time.Duration{
			24 * time.Hour,
			3 * 24 * time.Hour,
			7 * 24 * time.Hour,
		},
	}
}

// NextBackoff возвращает отступ до следующей попытки по номеру попытки (с 1)
func (p RetryPolicy) NextBackoff(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 24 * time.Hour
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// ProcessorSettings настройки обработчика списаний
type ProcessorSettings struct {
	Retry          RetryPolicy
	GracePeriod    time.Duration // Срок удержания плана в past_due до автоотмены
	StuckThreshold time.Duration // Порог, после которого processing считается зависшим
	DueScanLimit   int           // Максимум платежей за один обход
}

// InstallmentProcessor интерфейс обработчика списаний
type InstallmentProcessor interface {
	// ProcessInstallment выполняет попытку списания одного платежа
	ProcessInstallment(ctx context.Context, installmentID uuid.UUID, req domain.ProcessRequest) (domain.InstallmentResult, error)

	// RunDueScan выполняет один обход платежей, подлежащих списанию
	RunDueScan(ctx context.Context) (int, error)

	// RunStuckSweep выполняет один обход зависших в processing списаний
	RunStuckSweep(ctx context.Context) (int, error)

	// RefundInstallment инициирует возврат средств по оплаченному платежу.
	// При amount = 0 возвращается вся сумма. Списание остается paid:
	// итоговое состояние придет вебхуком и будет применено сверкой.
	RefundInstallment(ctx context.Context, installmentID uuid.UUID, amount int64) (gateway.RefundResult, error)
}

type installmentProcessor struct {
	plans        repository.PlanRepository
	installments repository.InstallmentRepository
	gateway      gateway.PaymentGateway
	producer     kafka.BillingProducer
	metrics      metrics.BillingMetrics
	cache        PlanCache
	settings     ProcessorSettings
	log          *logger.Logger
}

// NewInstallmentProcessor создает новый обработчик списаний.
// Кэш опционален: nil отключает кеширование.
func NewInstallmentProcessor(
	plans repository.PlanRepository,
	installments repository.InstallmentRepository,
	gw gateway.PaymentGateway,
	producer kafka.BillingProducer,
	billingMetrics metrics.BillingMetrics,
	cache PlanCache,
	settings ProcessorSettings,
	log *logger.Logger,
) InstallmentProcessor {
	if settings.Retry.MaxAttempts <= 0 {
		settings.Retry = DefaultRetryPolicy()
	}
	if settings.DueScanLimit <= 0 {
		settings.DueScanLimit = 100
	}
	return &installmentProcessor{
		plans:        plans,
		installments: installments,
		gateway:      gw,
		producer:     producer,
		metrics:      billingMetrics,
		cache:        cache,
		settings:     settings,
		log:          log,
	}
}

// ProcessInstallment выполняет попытку списания одного платежа.
//
// Порядок строгий: сначала условный захват scheduled|retrying -> processing
// (проигравший конкурент получает ErrConflict без побочных эффектов), затем
// обращение к шлюзу с ключом идемпотентности "<installmentID>:<attempt>",
// затем фиксация исхода. Никакая блокировка не удерживается через вызов шлюза.
func (p *installmentProcessor) ProcessInstallment(ctx context.Context, installmentID uuid.UUID, req domain.ProcessRequest) (domain.InstallmentResult, error) {
	now := time.Now()

	inst, err := p.installments.GetByID(ctx, installmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.InstallmentResult{}, domain.NewNotFoundError("installment", installmentID.String())
		}
		return domain.InstallmentResult{}, fmt.Errorf("failed to load installment: %w", err)
	}

	plan, err := p.plans.GetByID(ctx, inst.PlanID)
	if err != nil {
		return domain.InstallmentResult{}, fmt.Errorf("failed to load plan: %w", err)
	}
	if plan.State.IsTerminal() {
		return domain.InstallmentResult{}, domain.ErrTerminalState
	}

	switch inst.State {
	case domain.InstallmentStatePaid, domain.InstallmentStateFailed, domain.InstallmentStateSkipped:
		// Платеж уже разрешен, списывать нечего
		return domain.InstallmentResult{}, domain.ErrNotDue
	}

	if inst.DueAt.After(now) {
		return domain.InstallmentResult{}, domain.ErrNotDue
	}
	if inst.State == domain.InstallmentStateRetrying && inst.NextRetryAt != nil && inst.NextRetryAt.After(now) {
		return domain.InstallmentResult{}, domain.ErrNotDue
	}

	claimed, err := p.installments.Claim(ctx, installmentID, now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrStateConflict):
			return domain.InstallmentResult{}, domain.NewConflictError("installment", installmentID.String(), string(inst.State))
		case errors.Is(err, repository.ErrNotFound):
			return domain.InstallmentResult{}, domain.NewNotFoundError("installment", installmentID.String())
		}
		return domain.InstallmentResult{}, fmt.Errorf("failed to claim installment: %w", err)
	}

	methodRef := req.PaymentMethodRef
	if methodRef == "" {
		methodRef = plan.PaymentMethodRef
	}

	chargeReq := gateway.ChargeRequest{
		PaymentMethodRef: methodRef,
		Amount:           claimed.Amount,
		Currency:         claimed.Currency,
		IdempotencyKey:   fmt.Sprintf("%s:%d", claimed.ID, claimed.AttemptCount),
		Description:      fmt.Sprintf("installment %d for enrollment %s", claimed.SequenceNumber, plan.EnrollmentID),
	}

	start := time.Now()
	chargeRes, err := p.gateway.Charge(ctx, chargeReq)
	p.metrics.ObserveGatewayLatency("charge", time.Since(start))

	if err != nil {
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) && gwErr.Transient {
			// Исход неизвестен (таймаут, сеть, 5xx): списание остается в
			// processing, разрешит сверка или обход зависших
			p.log.Warnw("Gateway call outcome unknown, installment left processing",
				"installmentID", claimed.ID, "code", gwErr.Code, "error", err)
			p.metrics.IncInstallmentOutcome("pending", claimed.Currency)
			return domain.InstallmentResult{
				InstallmentID: claimed.ID,
				State:         domain.InstallmentStateProcessing,
				PlanState:     plan.State,
				Message:       "gateway outcome unknown, resolution deferred",
			}, nil
		}

		// Ошибка API без сомнений в исходе: возвращаем платеж в очередь повторов
		if reqErr := p.installments.Requeue(ctx, claimed.ID); reqErr != nil {
			p.log.Errorw("Failed to requeue installment after gateway error",
				"installmentID", claimed.ID, "error", reqErr)
		}
		return domain.InstallmentResult{}, fmt.Errorf("gateway charge failed: %w", err)
	}

	if chargeRes.GatewayReference != "" {
		if err := p.installments.SetGatewayReference(ctx, claimed.ID, chargeRes.GatewayReference); err != nil {
			p.log.Errorw("Failed to store gateway reference",
				"installmentID", claimed.ID, "error", err)
		}
		claimed.GatewayReference = chargeRes.GatewayReference
	}

	switch chargeRes.Status {
	case gateway.ChargeStatusSucceeded:
		return p.applySuccess(ctx, claimed, plan, now)
	case gateway.ChargeStatusDeclined:
		return p.applyDecline(ctx, claimed, plan, chargeRes.FailureMessage, now)
	default:
		// Шлюз принял запрос, но исход еще не известен: подтверждение
		// придет вебхуком, либо платеж подберет обход зависших
		p.metrics.IncInstallmentOutcome("pending", claimed.Currency)
		return domain.InstallmentResult{
			InstallmentID: claimed.ID,
			State:         domain.InstallmentStateProcessing,
			PlanState:     plan.State,
			Message:       "charge pending gateway confirmation",
		}, nil
	}
}

// applySuccess фиксирует успешное списание и производные переходы плана
func (p *installmentProcessor) applySuccess(ctx context.Context, inst domain.Installment, plan domain.PaymentPlan, now time.Time) (domain.InstallmentResult, error) {
	paid, err := p.installments.MarkPaid(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// Сверка успела применить исход раньше нас
			current, getErr := p.installments.GetByID(ctx, inst.ID)
			if getErr == nil && current.State == domain.InstallmentStatePaid {
				return domain.InstallmentResult{
					InstallmentID: current.ID,
					State:         current.State,
					PlanState:     plan.State,
				}, nil
			}
			return domain.InstallmentResult{}, domain.NewConflictError("installment", inst.ID.String(), string(domain.InstallmentStateProcessing))
		}
		return domain.InstallmentResult{}, fmt.Errorf("failed to mark installment paid: %w", err)
	}

	p.metrics.IncInstallmentOutcome("paid", paid.Currency)
	p.metrics.ObserveChargeAmount(paid.Amount, paid.Currency, "paid")

	if err := p.producer.PublishInstallmentPaid(ctx, paid); err != nil {
		p.log.Errorw("Failed to publish installment paid event",
			"installmentID", paid.ID, "error", err)
	}

	plan = p.settlePlanAfterPayment(ctx, paid, plan, now)
	result := domain.InstallmentResult{
		InstallmentID: paid.ID,
		State:         paid.State,
		PlanState:     plan.State,
	}

	// Продление подписки: следующий период планируется после успешной оплаты
	if plan.Kind == domain.PlanKindSubscription && plan.State == domain.PlanStateActive && !plan.CancelAtPeriodEnd {
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
		if _, err := p.installments.Create(ctx, next); err != nil {
			p.log.Errorw("Failed to schedule next subscription installment",
				"planID", plan.ID, "error", err)
		} else {
			result.NextDueAt = &next.DueAt
		}
	}

	p.invalidateCache(ctx, plan)
	return result, nil
}

// settlePlanAfterPayment применяет производные переходы плана после оплаты:
// погашение задолженности, конверсию триала и завершение рассрочки
func (p *installmentProcessor) settlePlanAfterPayment(ctx context.Context, paid domain.Installment, plan domain.PaymentPlan, now time.Time) domain.PaymentPlan {
	switch plan.State {
	case domain.PlanStatePastDue:
		// Успешное списание гасит задолженность
		updated, err := p.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From:         []domain.PlanState{domain.PlanStatePastDue},
			To:           domain.PlanStateActive,
			ClearPastDue: true,
		})
		if err == nil {
			plan = updated
			p.metrics.IncPlanTransition(string(domain.PlanStateActive))
			p.publishPlanState(ctx, plan, "arrears cleared")
			p.notifyAccess(ctx, plan, true, "arrears cleared")
		} else if !errors.Is(err, repository.ErrStateConflict) {
			p.log.Errorw("Failed to clear plan arrears", "planID", plan.ID, "error", err)
		}
	case domain.PlanStateTrial:
		// Первое успешное списание после конца триала конвертирует план
		updated, err := p.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From: []domain.PlanState{domain.PlanStateTrial},
			To:   domain.PlanStateActive,
		})
		if err == nil {
			plan = updated
			p.metrics.IncPlanTransition(string(domain.PlanStateActive))
			p.publishPlanState(ctx, plan, "trial converted by payment")
			p.notifyAccess(ctx, plan, true, "trial converted")
		} else if !errors.Is(err, repository.ErrStateConflict) {
			p.log.Errorw("Failed to convert trial plan", "planID", plan.ID, "error", err)
		}
	}

	// Рассрочка завершается, когда все платежи оплачены
	if plan.Kind == domain.PlanKindInstallment && plan.State == domain.PlanStateActive {
		all, err := p.installments.ListByPlan(ctx, plan.ID)
		if err != nil {
			p.log.Errorw("Failed to list installments for completion check",
				"planID", plan.ID, "error", err)
			return plan
		}
		done := true
		for _, i := range all {
			if i.State != domain.InstallmentStatePaid && i.State != domain.InstallmentStateSkipped {
				done = false
				break
			}
		}
		if done {
			updated, err := p.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
				From: []domain.PlanState{domain.PlanStateActive},
				To:   domain.PlanStateCompleted,
			})
			if err == nil {
				plan = updated
				p.metrics.IncPlanTransition(string(domain.PlanStateCompleted))
				p.publishPlanState(ctx, plan, "all installments paid")
			} else if !errors.Is(err, repository.ErrStateConflict) {
				p.log.Errorw("Failed to complete plan", "planID", plan.ID, "error", err)
			}
		}
	}

	return plan
}

// applyDecline фиксирует отказ шлюза: повтор с отступом либо окончательный
// провал с переводом плана в просрочку
func (p *installmentProcessor) applyDecline(ctx context.Context, inst domain.Installment, plan domain.PaymentPlan, failureMessage string, now time.Time) (domain.InstallmentResult, error) {
	p.metrics.IncInstallmentOutcome("declined", inst.Currency)
	p.metrics.ObserveChargeAmount(inst.Amount, inst.Currency, "declined")

	if inst.AttemptCount >= p.settings.Retry.MaxAttempts {
		failed, err := p.installments.MarkFailed(ctx, inst.ID, failureMessage)
		if err != nil {
			if errors.Is(err, repository.ErrStateConflict) {
				return domain.InstallmentResult{}, domain.NewConflictError("installment", inst.ID.String(), string(domain.InstallmentStateProcessing))
			}
			return domain.InstallmentResult{}, fmt.Errorf("failed to mark installment failed: %w", err)
		}

		p.metrics.IncInstallmentOutcome("failed", inst.Currency)

		// Отзыв доступа срабатывает ровно один раз: его производит только
		// победитель условного перехода в past_due
		updated, uerr := p.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
			From:         []domain.PlanState{domain.PlanStateActive, domain.PlanStateTrial},
			To:           domain.PlanStatePastDue,
			PastDueSince: &now,
		})
		if uerr == nil {
			plan = updated
			p.metrics.IncPlanTransition(string(domain.PlanStatePastDue))
			p.publishPlanState(ctx, plan, "installment failed: "+failureMessage)
			p.notifyAccess(ctx, plan, false, "payment failed")
		} else if !errors.Is(uerr, repository.ErrStateConflict) {
			p.log.Errorw("Failed to move plan to past_due", "planID", plan.ID, "error", uerr)
		}

		p.invalidateCache(ctx, plan)
		return domain.InstallmentResult{
			InstallmentID: failed.ID,
			State:         failed.State,
			PlanState:     plan.State,
			Message:       failureMessage,
		}, nil
	}

	retryAt := now.Add(p.settings.Retry.NextBackoff(inst.AttemptCount))
	retrying, err := p.installments.MarkRetrying(ctx, inst.ID, retryAt, failureMessage)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return domain.InstallmentResult{}, domain.NewConflictError("installment", inst.ID.String(), string(domain.InstallmentStateProcessing))
		}
		return domain.InstallmentResult{}, fmt.Errorf("failed to mark installment retrying: %w", err)
	}

	p.metrics.IncInstallmentOutcome("retrying", inst.Currency)
	p.invalidateCache(ctx, plan)

	return domain.InstallmentResult{
		InstallmentID: retrying.ID,
		State:         retrying.State,
		PlanState:     plan.State,
		NextRetryAt:   retrying.NextRetryAt,
		Message:       failureMessage,
	}, nil
}

// RunDueScan выполняет один обход: применяет отложенные отмены, списывает
// подлежащие платежи и автоотменяет планы с истекшим сроком просрочки.
// Отмены идут до списаний: за период, от которого плательщик отказался,
// деньги не берутся. Обход без состояния: несколько реплик безопасны,
// каждый захват условный.
func (p *installmentProcessor) RunDueScan(ctx context.Context) (int, error) {
	now := time.Now()
	processed := 0

	p.applyDeferredCancellations(ctx, now)

	due, err := p.installments.ListDue(ctx, now, p.settings.DueScanLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due installments: %w", err)
	}

	for _, inst := range due {
		if _, err := p.ProcessInstallment(ctx, inst.ID, domain.ProcessRequest{}); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotDue) || errors.Is(err, domain.ErrTerminalState) {
				// Конкурент успел раньше, пропускаем без шума
				continue
			}
			p.log.Errorw("Due scan failed to process installment",
				"installmentID", inst.ID, "error", err)
			continue
		}
		processed++
	}

	p.expireGracePeriods(ctx, now)

	return processed, nil
}

// applyDeferredCancellations завершает планы, помеченные на отмену в конце
// периода, когда их текущий оплаченный период истек
func (p *installmentProcessor) applyDeferredCancellations(ctx context.Context, now time.Time) {
	plans, err := p.plans.ListDeferredCancellations(ctx)
	if err != nil {
		p.log.Errorw("Failed to list deferred cancellations", "error", err)
		return
	}

	for _, plan := range plans {
		all, err := p.installments.ListByPlan(ctx, plan.ID)
		if err != nil {
			p.log.Errorw("Failed to list installments for deferred cancellation",
				"planID", plan.ID, "error", err)
			continue
		}

		// Период выработан, когда очередного платежа нет либо его срок уже
		// наступил: очередное списание открыло бы новый период, от которого
		// плательщик отказался, поэтому оно не выполняется, а пропускается
		var next *domain.Installment
		for i := range all {
			pending := all[i].State == domain.InstallmentStateScheduled || all[i].State == domain.InstallmentStateRetrying
			if !pending {
				continue
			}
			if next == nil || all[i].DueAt.Before(next.DueAt) {
				next = &all[i]
			}
		}
		if next != nil && next.DueAt.After(now) {
			continue
		}

		p.finalizeCancellation(ctx, plan, now, plan.CancelReason)
	}
}

// expireGracePeriods автоотменяет планы, просрочка которых превысила
// настроенный срок ожидания
func (p *installmentProcessor) expireGracePeriods(ctx context.Context, now time.Time) {
	if p.settings.GracePeriod <= 0 {
		return
	}

	cutoff := now.Add(-p.settings.GracePeriod)
	plans, err := p.plans.ListPastDueBefore(ctx, cutoff)
	if err != nil {
		p.log.Errorw("Failed to list plans with expired grace period", "error", err)
		return
	}

	for _, plan := range plans {
		p.finalizeCancellation(ctx, plan, now, "grace period expired")
	}
}

// finalizeCancellation переводит план в cancelled и пропускает оставшиеся
// платежи. Отзыв доступа отправляется только если доступ еще был открыт.
func (p *installmentProcessor) finalizeCancellation(ctx context.Context, plan domain.PaymentPlan, now time.Time, reason string) {
	hadAccess := plan.State == domain.PlanStateTrial || plan.State == domain.PlanStateActive

	updated, err := p.plans.UpdateState(ctx, plan.ID, repository.PlanStateUpdate{
		From:         []domain.PlanState{domain.PlanStateTrial, domain.PlanStateActive, domain.PlanStatePastDue},
		To:           domain.PlanStateCancelled,
		CancelledAt:  &now,
		CancelReason: reason,
	})
	if err != nil {
		if !errors.Is(err, repository.ErrStateConflict) {
			p.log.Errorw("Failed to cancel plan", "planID", plan.ID, "error", err)
		}
		return
	}

	if _, err := p.installments.SkipPending(ctx, updated.ID); err != nil {
		p.log.Errorw("Failed to skip pending installments", "planID", updated.ID, "error", err)
	}

	p.metrics.IncPlanTransition(string(domain.PlanStateCancelled))
	p.publishPlanState(ctx, updated, reason)
	if hadAccess {
		p.notifyAccess(ctx, updated, false, reason)
	}
	p.invalidateCache(ctx, updated)
}

// RunStuckSweep сверяет зависшие в processing списания с шлюзом.
// Подтвержденный успех применяется как оплата, подтвержденный отказ или
// отсутствие платежа возвращают списание в очередь повторов, неизвестный
// исход оставляет его как есть.
func (p *installmentProcessor) RunStuckSweep(ctx context.Context) (int, error) {
	now := time.Now()
	if p.settings.StuckThreshold <= 0 {
		return 0, nil
	}

	stuck, err := p.installments.ListStuck(ctx, now.Add(-p.settings.StuckThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck installments: %w", err)
	}

	resolved := 0
	for _, inst := range stuck {
		if inst.GatewayReference == "" {
			// Запрос к шлюзу не дошел до создания платежа, повторяем
			if err := p.installments.Requeue(ctx, inst.ID); err == nil {
				resolved++
			}
			continue
		}

		start := time.Now()
		chargeRes, err := p.gateway.GetCharge(ctx, inst.GatewayReference)
		p.metrics.ObserveGatewayLatency("get_charge", time.Since(start))

		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				if reqErr := p.installments.Requeue(ctx, inst.ID); reqErr == nil {
					resolved++
				}
				continue
			}
			p.log.Warnw("Stuck sweep failed to query gateway",
				"installmentID", inst.ID, "reference", inst.GatewayReference, "error", err)
			continue
		}

		plan, err := p.plans.GetByID(ctx, inst.PlanID)
		if err != nil {
			p.log.Errorw("Stuck sweep failed to load plan", "planID", inst.PlanID, "error", err)
			continue
		}

		switch chargeRes.Status {
		case gateway.ChargeStatusSucceeded:
			if _, err := p.applySuccess(ctx, inst, plan, now); err == nil {
				resolved++
			}
		case gateway.ChargeStatusDeclined:
			if _, err := p.applyDecline(ctx, inst, plan, chargeRes.FailureMessage, now); err == nil {
				resolved++
			}
		default:
			// Исход все еще не определен, оставляем до следующего обхода
		}
	}

	return resolved, nil
}

// RefundInstallment инициирует возврат средств по оплаченному платежу
func (p *installmentProcessor) RefundInstallment(ctx context.Context, installmentID uuid.UUID, amount int64) (gateway.RefundResult, error) {
	inst, err := p.installments.GetByID(ctx, installmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return gateway.RefundResult{}, domain.NewNotFoundError("installment", installmentID.String())
		}
		return gateway.RefundResult{}, fmt.Errorf("failed to load installment: %w", err)
	}

	var errs domain.ValidationErrors
	if inst.State != domain.InstallmentStatePaid {
		errs.Add("state", "only paid installments can be refunded")
	}
	if inst.GatewayReference == "" {
		errs.Add("gateway_reference", "installment has no gateway charge")
	}
	if amount < 0 || amount > inst.Amount {
		errs.Add("amount", "must be between 0 and the installment amount")
	}
	if len(errs) > 0 {
		return gateway.RefundResult{}, errs
	}

	start := time.Now()
	res, err := p.gateway.Refund(ctx, inst.GatewayReference, amount)
	p.metrics.ObserveGatewayLatency("refund", time.Since(start))
	if err != nil {
		return gateway.RefundResult{}, fmt.Errorf("gateway refund failed: %w", err)
	}

	p.log.Infow("Refund initiated",
		"installmentID", inst.ID, "reference", inst.GatewayReference, "amount", amount)
	return res, nil
}

// publishPlanState публикует событие смены состояния плана
func (p *installmentProcessor) publishPlanState(ctx context.Context, plan domain.PaymentPlan, reason string) {
	if err := p.producer.PublishPlanStateChanged(ctx, plan, reason); err != nil {
		p.log.Errorw("Failed to publish plan state change",
			"planID", plan.ID, "state", plan.State, "error", err)
	}
}

// notifyAccess уведомляет шлюз доступа о смене доступа к курсу
func (p *installmentProcessor) notifyAccess(ctx context.Context, plan domain.PaymentPlan, grant bool, reason string) {
	change := domain.AccessChange{
		EnrollmentID: plan.EnrollmentID,
		PlanID:       plan.ID,
		GrantAccess:  grant,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	if err := p.producer.NotifyAccessChange(ctx, change); err != nil {
		p.log.Errorw("Failed to notify access gate",
			"enrollmentID", plan.EnrollmentID, "grant", grant, "error", err)
	}
}

// invalidateCache сбрасывает кеши, затронутые мутацией плана
func (p *installmentProcessor) invalidateCache(ctx context.Context, plan domain.PaymentPlan) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidatePlan(ctx, plan.ID); err != nil {
		p.log.Warnw("Failed to invalidate plan cache", "planID", plan.ID, "error", err)
	}
	if err := p.cache.InvalidatePayerInstallments(ctx, plan.PayerID); err != nil {
		p.log.Warnw("Failed to invalidate payer cache", "payerID", plan.PayerID, "error", err)
	}
}
