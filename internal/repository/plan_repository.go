package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// PlanStateUpdate описывает условный переход состояния плана.
// Переход применяется только если текущее состояние входит в From;
// несовпадение означает конкурентный переход и возвращает ErrStateConflict.
type PlanStateUpdate struct {
	From         []domain.PlanState
	To           domain.PlanState
	CancelledAt  *time.Time
	CancelReason string
	PastDueSince *time.Time
	ClearPastDue bool
}

// PlanRepository интерфейс репозитория платежных планов
type PlanRepository interface {
	// Create создает план вместе с его графиком списаний в одной транзакции
	Create(ctx context.Context, plan domain.PaymentPlan, installments []domain.Installment) (domain.PaymentPlan, error)

	// GetByID возвращает план по ID
	GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentPlan, error)

	// GetByEnrollmentID возвращает план по ID записи на курс
	GetByEnrollmentID(ctx context.Context, enrollmentID uuid.UUID) (domain.PaymentPlan, error)

	// ListByPayer возвращает планы плательщика
	ListByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.PaymentPlan, error)

	// UpdateState выполняет условный переход состояния плана
	UpdateState(ctx context.Context, planID uuid.UUID, upd PlanStateUpdate) (domain.PaymentPlan, error)

	// SetCancelAtPeriodEnd помечает план на отложенную отмену
	SetCancelAtPeriodEnd(ctx context.Context, planID uuid.UUID, reason string) error

	// ListDeferredCancellations возвращает планы, помеченные на отложенную отмену
	ListDeferredCancellations(ctx context.Context) ([]domain.PaymentPlan, error)

	// ListPastDueBefore возвращает планы, находящиеся в past_due дольше порога
	ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]domain.PaymentPlan, error)
}

// PostgresPlanRepository реализация репозитория планов на PostgreSQL
type PostgresPlanRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresPlanRepository создает новый репозиторий планов
func NewPostgresPlanRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresPlanRepository {
	return &PostgresPlanRepository{db: db, log: log}
}

const planColumns = `
	id, enrollment_id, payer_id, course_id, kind,
	total_amount, currency, state, cadence, payment_method_ref,
	trial_ends_at, cancel_at_period_end, cancelled_at, cancel_reason,
	past_due_since, created_at, updated_at
`

// scanPlan читает план из строки результата
func scanPlan(row pgx.Row) (domain.PaymentPlan, error) {
	var plan domain.PaymentPlan
	var cadence *string
	err := row.Scan(
		&plan.ID,
		&plan.EnrollmentID,
		&plan.PayerID,
		&plan.CourseID,
		&plan.Kind,
		&plan.TotalAmount,
		&plan.Currency,
		&plan.State,
		&cadence,
		&plan.PaymentMethodRef,
		&plan.TrialEndsAt,
		&plan.CancelAtPeriodEnd,
		&plan.CancelledAt,
		&plan.CancelReason,
		&plan.PastDueSince,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return domain.PaymentPlan{}, err
	}
	if cadence != nil {
		plan.Cadence = domain.Cadence(*cadence)
	}
	return plan, nil
}

// Create создает план и его график списаний в одной транзакции
func (r *PostgresPlanRepository) Create(ctx context.Context, plan domain.PaymentPlan, installments []domain.Installment) (domain.PaymentPlan, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.PaymentPlan{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payment_plans (
			id, enrollment_id, payer_id, course_id, kind,
			total_amount, currency, state, cadence, payment_method_ref,
			trial_ends_at, cancel_at_period_end, cancelled_at, cancel_reason,
			past_due_since, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	var cadence *string
	if plan.Cadence != "" {
		c := string(plan.Cadence)
		cadence = &c
	}

	_, err = tx.Exec(ctx, query,
		plan.ID,
		plan.EnrollmentID,
		plan.PayerID,
		plan.CourseID,
		plan.Kind,
		plan.TotalAmount,
		plan.Currency,
		plan.State,
		cadence,
		plan.PaymentMethodRef,
		plan.TrialEndsAt,
		plan.CancelAtPeriodEnd,
		plan.CancelledAt,
		plan.CancelReason,
		plan.PastDueSince,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.PaymentPlan{}, ErrDuplicate
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to create plan: %w", err)
	}

	instQuery := `
		INSERT INTO installments (
			id, plan_id, sequence_number, amount, currency, due_at,
			state, attempt_count, last_attempt_at, next_retry_at,
			gateway_reference, failure_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`
	for _, inst := range installments {
		_, err = tx.Exec(ctx, instQuery,
			inst.ID,
			inst.PlanID,
			inst.SequenceNumber,
			inst.Amount,
			inst.Currency,
			inst.DueAt,
			inst.State,
			inst.AttemptCount,
			inst.LastAttemptAt,
			inst.NextRetryAt,
			inst.GatewayReference,
			inst.FailureMessage,
			inst.CreatedAt,
			inst.UpdatedAt,
		)
		if err != nil {
			return domain.PaymentPlan{}, fmt.Errorf("failed to create installment %d: %w", inst.SequenceNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PaymentPlan{}, fmt.Errorf("failed to commit plan creation: %w", err)
	}

	r.log.Debugw("Payment plan created", "planID", plan.ID, "installments", len(installments))
	return plan, nil
}

// GetByID возвращает план по ID
func (r *PostgresPlanRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PaymentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM payment_plans WHERE id = $1`

	plan, err := scanPlan(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentPlan{}, ErrNotFound
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// GetByEnrollmentID возвращает план по ID записи на курс
func (r *PostgresPlanRepository) GetByEnrollmentID(ctx context.Context, enrollmentID uuid.UUID) (domain.PaymentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM payment_plans WHERE enrollment_id = $1 ORDER BY created_at DESC LIMIT 1`

	plan, err := scanPlan(r.db.QueryRow(ctx, query, enrollmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentPlan{}, ErrNotFound
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to get plan by enrollment: %w", err)
	}
	return plan, nil
}

// ListByPayer возвращает планы плательщика
func (r *PostgresPlanRepository) ListByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.PaymentPlan, error) {
	query := `SELECT ` + planColumns + ` FROM payment_plans WHERE payer_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, payerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.PaymentPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

// UpdateState выполняет условный переход состояния плана.
// Одно атомарное read-modify-write по ключу (planID, ожидаемое состояние);
// ноль затронутых строк означает конкурентный переход.
func (r *PostgresPlanRepository) UpdateState(ctx context.Context, planID uuid.UUID, upd PlanStateUpdate) (domain.PaymentPlan, error) {
	if len(upd.From) == 0 {
		return domain.PaymentPlan{}, ErrInvalidData
	}

	from := make([]string, len(upd.From))
	for i, s := range upd.From {
		from[i] = string(s)
	}

	query := `
		UPDATE payment_plans
		SET state = $1,
			cancelled_at = COALESCE($2, cancelled_at),
			cancel_reason = CASE WHEN $3 <> '' THEN $3 ELSE cancel_reason END,
			past_due_since = CASE WHEN $4 THEN NULL ELSE COALESCE($5, past_due_since) END,
			updated_at = now()
		WHERE id = $6 AND state = ANY($7)
		RETURNING ` + planColumns

	plan, err := scanPlan(r.db.QueryRow(ctx, query,
		upd.To,
		upd.CancelledAt,
		upd.CancelReason,
		upd.ClearPastDue,
		upd.PastDueSince,
		planID,
		from,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо план не существует, либо состояние уже изменилось
			if _, getErr := r.GetByID(ctx, planID); errors.Is(getErr, ErrNotFound) {
				return domain.PaymentPlan{}, ErrNotFound
			}
			return domain.PaymentPlan{}, ErrStateConflict
		}
		return domain.PaymentPlan{}, fmt.Errorf("failed to update plan state: %w", err)
	}

	r.log.Debugw("Plan state updated", "planID", planID, "state", upd.To)
	return plan, nil
}

// SetCancelAtPeriodEnd помечает план на отмену в конце периода
func (r *PostgresPlanRepository) SetCancelAtPeriodEnd(ctx context.Context, planID uuid.UUID, reason string) error {
	query := `
		UPDATE payment_plans
		SET cancel_at_period_end = TRUE,
			cancel_reason = CASE WHEN $1 <> '' THEN $1 ELSE cancel_reason END,
			updated_at = now()
		WHERE id = $2 AND state NOT IN ('cancelled', 'completed')
	`

	tag, err := r.db.Exec(ctx, query, reason, planID)
	if err != nil {
		return fmt.Errorf("failed to mark plan for deferred cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, planID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// ListDeferredCancellations возвращает планы, помеченные на отложенную отмену
func (r *PostgresPlanRepository) ListDeferredCancellations(ctx context.Context) ([]domain.PaymentPlan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM payment_plans
		WHERE cancel_at_period_end = TRUE AND state NOT IN ('cancelled', 'completed')
	`
	return r.queryPlans(ctx, query)
}

// ListPastDueBefore возвращает планы, находящиеся в past_due дольше порога
func (r *PostgresPlanRepository) ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]domain.PaymentPlan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM payment_plans
		WHERE state = 'past_due' AND past_due_since IS NOT NULL AND past_due_since <= $1
	`
	return r.queryPlans(ctx, query, cutoff)
}

// queryPlans выполняет запрос и читает список планов
func (r *PostgresPlanRepository) queryPlans(ctx context.Context, query string, args ...interface{}) ([]domain.PaymentPlan, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.PaymentPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}
