package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// InstallmentRepository интерфейс репозитория списаний
type InstallmentRepository interface {
	// Create создает одно списание (используется при продлении подписки)
	Create(ctx context.Context, inst domain.Installment) (domain.Installment, error)

	// GetByID возвращает списание по ID
	GetByID(ctx context.Context, id uuid.UUID) (domain.Installment, error)

	// GetByGatewayReference возвращает списание по ссылке шлюза
	GetByGatewayReference(ctx context.Context, ref string) (domain.Installment, error)

	// ListByPlan возвращает списания плана в порядке номеров
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.Installment, error)

	// Claim атомарно захватывает списание: scheduled|retrying -> processing.
	// Выигрывает ровно один вызов; проигравшие получают ErrStateConflict.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (domain.Installment, error)

	// SetGatewayReference записывает ссылку шлюза после первой попытки
	SetGatewayReference(ctx context.Context, id uuid.UUID, ref string) error

	// MarkPaid переводит processing -> paid
	MarkPaid(ctx context.Context, id uuid.UUID) (domain.Installment, error)

	// MarkRetrying переводит processing -> retrying с датой следующей попытки
	MarkRetrying(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, failureMessage string) (domain.Installment, error)

	// MarkFailed переводит processing -> failed после исчерпания попыток
	MarkFailed(ctx context.Context, id uuid.UUID, failureMessage string) (domain.Installment, error)

	// Requeue возвращает зависшее processing -> retrying (сторожевая проверка)
	Requeue(ctx context.Context, id uuid.UUID) error

	// SkipPending переводит все scheduled|retrying списания плана в skipped
	SkipPending(ctx context.Context, planID uuid.UUID) (int, error)

	// ListDue возвращает подлежащие списанию платежи: по одному на план,
	// с наименьшим номером, срок которых наступил
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Installment, error)

	// ListStuck возвращает списания, зависшие в processing дольше порога
	ListStuck(ctx context.Context, olderThan time.Time) ([]domain.Installment, error)

	// ListUpcomingByPayer возвращает будущие списания плательщика
	ListUpcomingByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error)

	// ListOverdueByPayer возвращает просроченные списания плательщика
	ListOverdueByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error)
}

// PostgresInstallmentRepository реализация репозитория списаний на PostgreSQL
type PostgresInstallmentRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresInstallmentRepository создает новый репозиторий списаний
func NewPostgresInstallmentRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresInstallmentRepository {
	return &PostgresInstallmentRepository{db: db, log: log}
}

const installmentColumns = `
	id, plan_id, sequence_number, amount, currency, due_at,
	state, attempt_count, last_attempt_at, next_retry_at,
	gateway_reference, failure_message, created_at, updated_at
`

// scanInstallment читает списание из строки результата
func scanInstallment(row pgx.Row) (domain.Installment, error) {
	var inst domain.Installment
	err := row.Scan(
		&inst.ID,
		&inst.PlanID,
		&inst.SequenceNumber,
		&inst.Amount,
		&inst.Currency,
		&inst.DueAt,
		&inst.State,
		&inst.AttemptCount,
		&inst.LastAttemptAt,
		&inst.NextRetryAt,
		&inst.GatewayReference,
		&inst.FailureMessage,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	return inst, err
}

// Create создает одно списание
func (r *PostgresInstallmentRepository) Create(ctx context.Context, inst domain.Installment) (domain.Installment, error) {
	query := `
		INSERT INTO installments (
			id, plan_id, sequence_number, amount, currency, due_at,
			state, attempt_count, last_attempt_at, next_retry_at,
			gateway_reference, failure_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`
	_, err := r.db.Exec(ctx, query,
		inst.ID, inst.PlanID, inst.SequenceNumber, inst.Amount, inst.Currency, inst.DueAt,
		inst.State, inst.AttemptCount, inst.LastAttemptAt, inst.NextRetryAt,
		inst.GatewayReference, inst.FailureMessage, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return domain.Installment{}, fmt.Errorf("failed to create installment: %w", err)
	}
	return inst, nil
}

// GetByID возвращает списание по ID
func (r *PostgresInstallmentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE id = $1`

	inst, err := scanInstallment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Installment{}, ErrNotFound
		}
		return domain.Installment{}, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// GetByGatewayReference возвращает списание по ссылке шлюза
func (r *PostgresInstallmentRepository) GetByGatewayReference(ctx context.Context, ref string) (domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE gateway_reference = $1`

	inst, err := scanInstallment(r.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Installment{}, ErrNotFound
		}
		return domain.Installment{}, fmt.Errorf("failed to get installment by gateway reference: %w", err)
	}
	return inst, nil
}

// ListByPlan возвращает списания плана в порядке номеров
func (r *PostgresInstallmentRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE plan_id = $1 ORDER BY sequence_number`
	return r.queryInstallments(ctx, query, planID)
}

// Claim атомарно захватывает списание для обработки.
// Условное обновление выигрывает ровно один воркер; условие на отсутствие
// других processing-списаний плана хранит инвариант "не более одного
// processing на план" без распределенной блокировки.
func (r *PostgresInstallmentRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (domain.Installment, error) {
	query := `
		UPDATE installments i
		SET state = 'processing',
			attempt_count = attempt_count + 1,
			last_attempt_at = $1,
			next_retry_at = NULL,
			updated_at = $1
		WHERE i.id = $2
			AND i.state IN ('scheduled', 'retrying')
			AND NOT EXISTS (
				SELECT 1 FROM installments s
				WHERE s.plan_id = i.plan_id AND s.state = 'processing'
			)
		RETURNING ` + installmentColumns

	inst, err := scanInstallment(r.db.QueryRow(ctx, query, now, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
				return domain.Installment{}, ErrNotFound
			}
			return domain.Installment{}, ErrStateConflict
		}
		return domain.Installment{}, fmt.Errorf("failed to claim installment: %w", err)
	}

	r.log.Debugw("Installment claimed", "installmentID", id, "attempt", inst.AttemptCount)
	return inst, nil
}

// SetGatewayReference записывает ссылку шлюза
func (r *PostgresInstallmentRepository) SetGatewayReference(ctx context.Context, id uuid.UUID, ref string) error {
	query := `UPDATE installments SET gateway_reference = $1, updated_at = now() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set gateway reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaid переводит processing -> paid
func (r *PostgresInstallmentRepository) MarkPaid(ctx context.Context, id uuid.UUID) (domain.Installment, error) {
	return r.transition(ctx, id, "paid", `
		UPDATE installments
		SET state = 'paid', failure_message = '', next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'processing'
		RETURNING `+installmentColumns)
}

// MarkRetrying переводит processing -> retrying с датой следующей попытки
func (r *PostgresInstallmentRepository) MarkRetrying(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, failureMessage string) (domain.Installment, error) {
	query := `
		UPDATE installments
		SET state = 'retrying', next_retry_at = $1, failure_message = $2, updated_at = now()
		WHERE id = $3 AND state = 'processing'
		RETURNING ` + installmentColumns

	inst, err := scanInstallment(r.db.QueryRow(ctx, query, nextRetryAt, failureMessage, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Installment{}, ErrStateConflict
		}
		return domain.Installment{}, fmt.Errorf("failed to mark installment retrying: %w", err)
	}
	return inst, nil
}

// MarkFailed переводит processing -> failed
func (r *PostgresInstallmentRepository) MarkFailed(ctx context.Context, id uuid.UUID, failureMessage string) (domain.Installment, error) {
	query := `
		UPDATE installments
		SET state = 'failed', failure_message = $1, next_retry_at = NULL, updated_at = now()
		WHERE id = $2 AND state = 'processing'
		RETURNING ` + installmentColumns

	inst, err := scanInstallment(r.db.QueryRow(ctx, query, failureMessage, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Installment{}, ErrStateConflict
		}
		return domain.Installment{}, fmt.Errorf("failed to mark installment failed: %w", err)
	}
	return inst, nil
}

// Requeue возвращает зависшее processing -> retrying
func (r *PostgresInstallmentRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE installments
		SET state = 'retrying', next_retry_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue installment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// SkipPending переводит все незавершенные списания плана в skipped
func (r *PostgresInstallmentRepository) SkipPending(ctx context.Context, planID uuid.UUID) (int, error) {
	query := `
		UPDATE installments
		SET state = 'skipped', next_retry_at = NULL, updated_at = now()
		WHERE plan_id = $1 AND state IN ('scheduled', 'retrying')
	`
	tag, err := r.db.Exec(ctx, query, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to skip pending installments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListDue возвращает подлежащие списанию платежи.
// На каждый план выбирается одно списание с наименьшим номером, чтобы
// платежи никогда не списывались вне порядка; планы с processing-списанием
// или в терминальном состоянии пропускаются.
func (r *PostgresInstallmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Installment, error) {
	query := `
		SELECT DISTINCT ON (i.plan_id) ` + prefixed(installmentColumns, "i.") + `
		FROM installments i
		JOIN payment_plans p ON p.id = i.plan_id
		WHERE i.state IN ('scheduled', 'retrying')
			AND i.due_at <= $1
			AND (i.next_retry_at IS NULL OR i.next_retry_at <= $1)
			AND p.state NOT IN ('cancelled', 'completed')
			AND NOT EXISTS (
				SELECT 1 FROM installments s
				WHERE s.plan_id = i.plan_id AND s.state = 'processing'
			)
		ORDER BY i.plan_id, i.sequence_number
		LIMIT $2
	`
	return r.queryInstallments(ctx, query, now, limit)
}

// ListStuck возвращает списания, зависшие в processing дольше порога
func (r *PostgresInstallmentRepository) ListStuck(ctx context.Context, olderThan time.Time) ([]domain.Installment, error) {
	query := `
		SELECT ` + installmentColumns + `
		FROM installments
		WHERE state = 'processing' AND last_attempt_at IS NOT NULL AND last_attempt_at <= $1
	`
	return r.queryInstallments(ctx, query, olderThan)
}

// ListUpcomingByPayer возвращает будущие списания плательщика
func (r *PostgresInstallmentRepository) ListUpcomingByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	query := `
		SELECT ` + prefixed(installmentColumns, "i.") + `
		FROM installments i
		JOIN payment_plans p ON p.id = i.plan_id
		WHERE p.payer_id = $1
			AND i.state IN ('scheduled', 'retrying')
			AND i.due_at > now()
			AND p.state NOT IN ('cancelled', 'completed')
		ORDER BY i.due_at
	`
	return r.queryInstallments(ctx, query, payerID)
}

// ListOverdueByPayer возвращает просроченные списания плательщика
func (r *PostgresInstallmentRepository) ListOverdueByPayer(ctx context.Context, payerID uuid.UUID) ([]domain.Installment, error) {
	query := `
		SELECT ` + prefixed(installmentColumns, "i.") + `
		FROM installments i
		JOIN payment_plans p ON p.id = i.plan_id
		WHERE p.payer_id = $1
			AND (
				(i.state IN ('scheduled', 'retrying') AND i.due_at <= now())
				OR i.state = 'failed'
			)
			AND p.state NOT IN ('cancelled', 'completed')
		ORDER BY i.due_at
	`
	return r.queryInstallments(ctx, query, payerID)
}

// transition выполняет условный переход и читает результат
func (r *PostgresInstallmentRepository) transition(ctx context.Context, id uuid.UUID, to string, query string) (domain.Installment, error) {
	inst, err := scanInstallment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Installment{}, ErrStateConflict
		}
		return domain.Installment{}, fmt.Errorf("failed to mark installment %s: %w", to, err)
	}
	return inst, nil
}

// prefixed добавляет алиас таблицы к каждому имени колонки
func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// queryInstallments выполняет запрос и читает список списаний
func (r *PostgresInstallmentRepository) queryInstallments(ctx context.Context, query string, args ...interface{}) ([]domain.Installment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var installments []domain.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		installments = append(installments, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installments: %w", err)
	}
	return installments, nil
}
