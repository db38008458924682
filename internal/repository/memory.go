package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/google/uuid"
)

// InMemoryPlanRepository реализация репозитория планов в памяти.
// Повторяет семантику условных обновлений PostgreSQL-реализации и
// используется в тестах и локальной разработке.
type InMemoryPlanRepository struct {
	plans        map[uuid.UUID]domain.PaymentPlan
	installments *InMemoryInstallmentRepository
	mutex        sync.RWMutex
}

// NewInMemoryPlanRepository создает новый репозиторий планов в памяти
func NewInMemoryPlanRepository() *InMemoryPlanRepository {
	return &InMemoryPlanRepository{
		plans: make(map[uuid.UUID]domain.PaymentPlan),
	}
}

// InMemoryInstallmentRepository реализация репозитория списаний в памяти
type InMemoryInstallmentRepository struct {
	installments map[uuid.UUID]domain.Installment
	plans        *InMemoryPlanRepository
	mutex        sync.Mutex
}

// NewInMemoryInstallmentRepository создает новый репозиторий списаний в памяти.
// Репозиторий планов нужен, чтобы фильтровать терминальные планы при
// выборке платежей к списанию, как это делает SQL-реализация.
func NewInMemoryInstallmentRepository(plans *InMemoryPlanRepository) *InMemoryInstallmentRepository {
	r := &InMemoryInstallmentRepository{
		installments: make(map[uuid.UUID]domain.Installment),
		plans:        plans,
	}
	if plans != nil {
		plans.installments = r
	}
	return r
}

// Put перезаписывает план целиком, минуя условные переходы.
// Нужен тестам для подготовки состояния.
func (r *InMemoryPlanRepository) Put(ctx context.Context, plan domain.PaymentPlan) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.plans[plan.ID] = plan
}

// Create создает план вместе с его графиком списаний
func (r *InMemoryPlanRepository) Create(ctx context.Context, plan domain.PaymentPlan, installments []domain.Installment) (domain.PaymentPlan, error) {
	r.mutex.Lock()
	if _, exists := r.plans[plan.ID]; exists {
		r.mutex.Unlock()
		return domain.PaymentPlan{}, ErrDuplicate
	}
	// Не более одного живого плана на запись на курс
	for _, existing := range r.plans {
		if existing.EnrollmentID == plan.EnrollmentID && !existing.State.IsTerminal() {
			r.mutex.Unlock()
			return domain.PaymentPlan{}, ErrDuplicate
		}
	}
	r.plans[plan.ID] = plan
	r.mutex.Unlock()

	if r.installments != nil && len(installments) > 0 {
		if err := r.installments.CreateBatch(ctx, installments); err != nil {
			r.mutex.Lock()
			delete(r.plans, plan.ID)
			r.mutex.Unlock()
			return domain.PaymentPlan{}, err
		}
	}
	return plan, nil
}

// GetByID возвращает план по ID
func (r *InMemoryPlanRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentPlan, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	plan, exists := r.plans[id]
	if !exists {
		return domain.PaymentPlan{}, ErrNotFound
	}
	return plan, nil
}

// GetByEnrollmentID возвращает план по ID записи на курс
func (r *InMemoryPlanRepository) GetByEnrollmentID(ctx context.Context, enrollmentID uuid.UUID) (domain.PaymentPlan, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var found *domain.PaymentPlan
	for _, plan := range r.plans {
		if plan.EnrollmentID == enrollmentID {
			p := plan
			if found == nil || p.CreatedAt.After(found.CreatedAt) {
				found = &p
			}
		}
	}
	if found == nil {
		return domain.PaymentPlan{}, ErrNotFound
	}
	return *found, nil
}

// ListByPayer возвращает планы плательщика
func (r *InMemoryPlanRepository) ListByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.PaymentPlan, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var plans []domain.PaymentPlan
	for _, plan := range r.plans {
		if plan.PayerID == payerID {
			plans = append(plans, plan)
		}
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
	return plans, nil
}

// UpdateState выполняет условный переход состояния плана
func (r *InMemoryPlanRepository) UpdateState(ctx context.Context, planID uuid.UUID, upd PlanStateUpdate) (domain.PaymentPlan, error) {
	if len(upd.From) == 0 {
		return domain.PaymentPlan{}, ErrInvalidData
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	plan, exists := r.plans[planID]
	if !exists {
		return domain.PaymentPlan{}, ErrNotFound
	}

	matched := false
	for _, s := range upd.From {
		if plan.State == s {
			matched = true
			break
		}
	}
	if !matched {
		return domain.PaymentPlan{}, ErrStateConflict
	}

	plan.State = upd.To
	if upd.CancelledAt != nil {
		plan.CancelledAt = upd.CancelledAt
	}
	if upd.CancelReason != "" {
		plan.CancelReason = upd.CancelReason
	}
	if upd.ClearPastDue {
		plan.PastDueSince = nil
	} else if upd.PastDueSince != nil {
		plan.PastDueSince = upd.PastDueSince
	}
	plan.UpdatedAt = time.Now()

	r.plans[planID] = plan
	return plan, nil
}

// SetCancelAtPeriodEnd помечает план на отмену в конце периода
func (r *InMemoryPlanRepository) SetCancelAtPeriodEnd(ctx context.Context, planID uuid.UUID, reason string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	plan, exists := r.plans[planID]
	if !exists {
		return ErrNotFound
	}
	if plan.State.IsTerminal() {
		return ErrStateConflict
	}

	plan.CancelAtPeriodEnd = true
	if reason != "" {
		plan.CancelReason = reason
	}
	plan.UpdatedAt = time.Now()
	r.plans[planID] = plan
	return nil
}

// ListDeferredCancellations возвращает планы, помеченные на отложенную отмену
func (r *InMemoryPlanRepository) ListDeferredCancellations(ctx context.Context) ([]domain.PaymentPlan, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var plans []domain.PaymentPlan
	for _, plan := range r.plans {
		if plan.CancelAtPeriodEnd && !plan.State.IsTerminal() {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// ListPastDueBefore возвращает планы в past_due дольше порога
func (r *InMemoryPlanRepository) ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]domain.PaymentPlan, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var plans []domain.PaymentPlan
	for _, plan := range r.plans {
		if plan.State == domain.PlanStatePastDue && plan.PastDueSince != nil && !plan.PastDueSince.After(cutoff) {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// Create создает одно списание
// Put перезаписывает списание целиком, минуя условные переходы.
// Нужен тестам для подготовки состояния.
func (r *InMemoryInstallmentRepository) Put(ctx context.Context, inst domain.Installment) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.installments[inst.ID] = inst
}

func (r *InMemoryInstallmentRepository) Create(ctx context.Context, inst domain.Installment) (domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.installments[inst.ID]; exists {
		return domain.Installment{}, ErrDuplicate
	}
	r.installments[inst.ID] = inst
	return inst, nil
}

// CreateBatch создает список списаний (вызывается при создании плана)
func (r *InMemoryInstallmentRepository) CreateBatch(ctx context.Context, installments []domain.Installment) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, inst := range installments {
		r.installments[inst.ID] = inst
	}
	return nil
}

// GetByID возвращает списание по ID
func (r *InMemoryInstallmentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inst, exists := r.installments[id]
	if !exists {
		return domain.Installment{}, ErrNotFound
	}
	return inst, nil
}

// GetByGatewayReference возвращает списание по ссылке шлюза
func (r *InMemoryInstallmentRepository) GetByGatewayReference(ctx context.Context, ref string) (domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, inst := range r.installments {
		if inst.GatewayReference == ref && ref != "" {
			return inst, nil
		}
	}
	return domain.Installment{}, ErrNotFound
}

// ListByPlan возвращает списания плана в порядке номеров
func (r *InMemoryInstallmentRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var installments []domain.Installment
	for _, inst := range r.installments {
		if inst.PlanID == planID {
			installments = append(installments, inst)
		}
	}
	sort.Slice(installments, func(i, j int) bool {
		return installments[i].SequenceNumber < installments[j].SequenceNumber
	})
	return installments, nil
}

// Claim атомарно захватывает списание для обработки
func (r *InMemoryInstallmentRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inst, exists := r.installments[id]
	if !exists {
		return domain.Installment{}, ErrNotFound
	}
	if inst.State != domain.InstallmentStateScheduled && inst.State != domain.InstallmentStateRetrying {
		return domain.Installment{}, ErrStateConflict
	}

	// Не более одного processing-списания на план
	for _, sibling := range r.installments {
		if sibling.PlanID == inst.PlanID && sibling.State == domain.InstallmentStateProcessing {
			return domain.Installment{}, ErrStateConflict
		}
	}

	inst.State = domain.InstallmentStateProcessing
	inst.AttemptCount++
	attemptAt := now
	inst.LastAttemptAt = &attemptAt
	inst.NextRetryAt = nil
	inst.UpdatedAt = now

	r.installments[id] = inst
	return inst, nil
}

// SetGatewayReference записывает ссылку шлюза
func (r *InMemoryInstallmentRepository) SetGatewayReference(ctx context.Context, id uuid.UUID, ref string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inst, exists := r.installments[id]
	if !exists {
		return ErrNotFound
	}
	inst.GatewayReference = ref
	inst.UpdatedAt = time.Now()
	r.installments[id] = inst
	return nil
}

// MarkPaid переводит processing -> paid
func (r *InMemoryInstallmentRepository) MarkPaid(ctx context.Context, id uuid.UUID) (domain.Installment, error) {
	return r.fromProcessing(id, func(inst *domain.Installment) {
		inst.State = domain.InstallmentStatePaid
		inst.FailureMessage = ""
		inst.NextRetryAt = nil
	})
}

// MarkRetrying переводит processing -> retrying с датой следующей попытки
func (r *InMemoryInstallmentRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, failureMessage string) (domain.Installment, error) {
	return r.fromProcessing(id, func(inst *domain.Installment) {
		inst.State = domain.InstallmentStateRetrying
		inst.NextRetryAt = &nextRetryAt
		inst.FailureMessage = failureMessage
	})
}

// MarkFailed переводит processing -> failed
func (r *InMemoryInstallmentRepository) MarkFailed(ctx context.Context, id uuid.UUID, failureMessage string) (domain.Installment, error) {
	return r.fromProcessing(id, func(inst *domain.Installment) {
		inst.State = domain.InstallmentStateFailed
		inst.FailureMessage = failureMessage
		inst.NextRetryAt = nil
	})
}

// Requeue возвращает зависшее processing -> retrying
func (r *InMemoryInstallmentRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := r.fromProcessing(id, func(inst *domain.Installment) {
		inst.State = domain.InstallmentStateRetrying
		inst.NextRetryAt = &now
	})
	return err
}

// fromProcessing применяет мутацию, только если списание в processing
func (r *InMemoryInstallmentRepository) fromProcessing(id uuid.UUID, mutate func(*domain.Installment)) (domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inst, exists := r.installments[id]
	if !exists {
		return domain.Installment{}, ErrNotFound
	}
	if inst.State != domain.InstallmentStateProcessing {
		return domain.Installment{}, ErrStateConflict
	}

	mutate(&inst)
	inst.UpdatedAt = time.Now()
	r.installments[id] = inst
	return inst, nil
}

// SkipPending переводит все незавершенные списания плана в skipped
func (r *InMemoryInstallmentRepository) SkipPending(ctx context.Context, planID uuid.UUID) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for id, inst := range r.installments {
		if inst.PlanID != planID {
			continue
		}
		if inst.State == domain.InstallmentStateScheduled || inst.State == domain.InstallmentStateRetrying {
			inst.State = domain.InstallmentStateSkipped
			inst.NextRetryAt = nil
			inst.UpdatedAt = time.Now()
			r.installments[id] = inst
			count++
		}
	}
	return count, nil
}

// ListDue возвращает подлежащие списанию платежи, по одному на план
func (r *InMemoryInstallmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	lowest := make(map[uuid.UUID]domain.Installment)
	blocked := make(map[uuid.UUID]bool)

	for _, inst := range r.installments {
		if inst.State == domain.InstallmentStateProcessing {
			blocked[inst.PlanID] = true
		}
	}

	for _, inst := range r.installments {
		if inst.State != domain.InstallmentStateScheduled && inst.State != domain.InstallmentStateRetrying {
			continue
		}
		if inst.DueAt.After(now) {
			continue
		}
		if inst.NextRetryAt != nil && inst.NextRetryAt.After(now) {
			continue
		}
		if blocked[inst.PlanID] {
			continue
		}
		if r.plans != nil {
			if plan, err := r.plans.GetByID(ctx, inst.PlanID); err == nil && plan.State.IsTerminal() {
				continue
			}
		}
		if current, ok := lowest[inst.PlanID]; !ok || inst.SequenceNumber < current.SequenceNumber {
			lowest[inst.PlanID] = inst
		}
	}

	due := make([]domain.Installment, 0, len(lowest))
	for _, inst := range lowest {
		due = append(due, inst)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListStuck возвращает списания, зависшие в processing дольше порога
func (r *InMemoryInstallmentRepository) ListStuck(ctx context.Context, olderThan time.Time) ([]domain.Installment, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var stuck []domain.Installment
	for _, inst := range r.installments {
		if inst.State == domain.InstallmentStateProcessing && inst.LastAttemptAt != nil && !inst.LastAttemptAt.After(olderThan) {
			stuck = append(stuck, inst)
		}
	}
	return stuck, nil
}

// ListUpcomingByPayer возвращает будущие списания плательщика
func (r *InMemoryInstallmentRepository) ListUpcomingByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	now := time.Now()
	return r.listByPayer(ctx, payerID, func(inst domain.Installment) bool {
		pending := inst.State == domain.InstallmentStateScheduled || inst.State == domain.InstallmentStateRetrying
		return pending && inst.DueAt.After(now)
	})
}

// ListOverdueByPayer возвращает просроченные списания плательщика
func (r *InMemoryInstallmentRepository) ListOverdueByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	now := time.Now()
	return r.listByPayer(ctx, payerID, func(inst domain.Installment) bool {
		if inst.State == domain.InstallmentStateFailed {
			return true
		}
		pending := inst.State == domain.InstallmentStateScheduled || inst.State == domain.InstallmentStateRetrying
		return pending && !inst.DueAt.After(now)
	})
}

// listByPayer собирает списания по планам плательщика
func (r *InMemoryInstallmentRepository) listByPayer(ctx context.Context, payerID uuid.UUID, match func(domain.Installment) bool) ([]domain.Installment, error) {
	if r.plans == nil {
		return nil, nil
	}

	plans, err := r.plans.ListByPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}

	planIDs := make(map[uuid.UUID]bool, len(plans))
	for _, plan := range plans {
		if !plan.State.IsTerminal() {
			planIDs[plan.ID] = true
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var result []domain.Installment
	for _, inst := range r.installments {
		if planIDs[inst.PlanID] && match(inst) {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(result[j].DueAt)
	})
	return result, nil
}

// InMemoryGatewayEventRepository реализация журнала событий в памяти
type InMemoryGatewayEventRepository struct {
	byExternalID map[string]domain.GatewayEventRecord
	mutex        sync.Mutex
}

// NewInMemoryGatewayEventRepository создает новый журнал событий в памяти
func NewInMemoryGatewayEventRepository() *InMemoryGatewayEventRepository {
	return &InMemoryGatewayEventRepository{
		byExternalID: make(map[string]domain.GatewayEventRecord),
	}
}

// Upsert вставляет запись события либо возвращает существующую
func (r *InMemoryGatewayEventRepository) Upsert(ctx context.Context, record domain.GatewayEventRecord) (domain.GatewayEventRecord, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if existing, ok := r.byExternalID[record.GatewayEventID]; ok {
		return existing, true, nil
	}
	r.byExternalID[record.GatewayEventID] = record
	return record, false, nil
}

// MarkProcessed атомарно отмечает событие обработанным
func (r *InMemoryGatewayEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for key, rec := range r.byExternalID {
		if rec.ID == id {
			if rec.ProcessedAt != nil {
				return ErrStateConflict
			}
			now := time.Now()
			rec.ProcessedAt = &now
			r.byExternalID[key] = rec
			return nil
		}
	}
	return ErrNotFound
}

// GetByGatewayEventID возвращает запись по внешнему ID события
func (r *InMemoryGatewayEventRepository) GetByGatewayEventID(ctx context.Context, gatewayEventID string) (domain.GatewayEventRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, ok := r.byExternalID[gatewayEventID]
	if !ok {
		return domain.GatewayEventRecord{}, ErrNotFound
	}
	return rec, nil
}
