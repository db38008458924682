package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
)

// GatewayEventRepository интерфейс журнала сверки событий шлюза.
// Журнал пополняется только вставкой; единственное обновление — отметка
// processed_at, защищенная тем же условным обновлением, что и захват списания.
type GatewayEventRepository interface {
	// Upsert вставляет запись события либо возвращает уже существующую
	// по тому же gateway_event_id. Вторым значением возвращается признак
	// того, что запись уже была в журнале.
	Upsert(ctx context.Context, record domain.GatewayEventRecord) (domain.GatewayEventRecord, bool, error)

	// MarkProcessed атомарно отмечает событие обработанным.
	// Повторная отметка возвращает ErrStateConflict.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// GetByGatewayEventID возвращает запись по внешнему ID события
	GetByGatewayEventID(ctx context.Context, gatewayEventID string) (domain.GatewayEventRecord, error)
}

// PostgresGatewayEventRepository реализация журнала событий на PostgreSQL
type PostgresGatewayEventRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresGatewayEventRepository создает новый журнал событий
func NewPostgresGatewayEventRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresGatewayEventRepository {
	return &PostgresGatewayEventRepository{db: db, log: log}
}

const eventColumns = `
	id, gateway_event_id, type, gateway_reference, amount, currency,
	payload, received_at, processed_at
`

// scanEvent читает запись события из строки результата
func scanEvent(row pgx.Row) (domain.GatewayEventRecord, error) {
	var rec domain.GatewayEventRecord
	err := row.Scan(
		&rec.ID,
		&rec.GatewayEventID,
		&rec.Type,
		&rec.GatewayReference,
		&rec.Amount,
		&rec.Currency,
		&rec.Payload,
		&rec.ReceivedAt,
		&rec.ProcessedAt,
	)
	return rec, err
}

// Upsert вставляет запись события либо возвращает существующую
func (r *PostgresGatewayEventRepository) Upsert(ctx context.Context, record domain.GatewayEventRecord) (domain.GatewayEventRecord, bool, error) {
	query := `
		INSERT INTO gateway_events (
			id, gateway_event_id, type, gateway_reference, amount, currency,
			payload, received_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gateway_event_id) DO NOTHING
		RETURNING ` + eventColumns

	rec, err := scanEvent(r.db.QueryRow(ctx, query,
		record.ID,
		record.GatewayEventID,
		record.Type,
		record.GatewayReference,
		record.Amount,
		record.Currency,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
	))
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.GatewayEventRecord{}, false, fmt.Errorf("failed to insert gateway event: %w", err)
	}

	// Конфликт по gateway_event_id: событие уже в журнале
	existing, err := r.GetByGatewayEventID(ctx, record.GatewayEventID)
	if err != nil {
		return domain.GatewayEventRecord{}, false, err
	}
	return existing, true, nil
}

// MarkProcessed атомарно отмечает событие обработанным
func (r *PostgresGatewayEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE gateway_events
		SET processed_at = now()
		WHERE id = $1 AND processed_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark gateway event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	r.log.Debugw("Gateway event marked processed", "eventID", id)
	return nil
}

// GetByGatewayEventID возвращает запись по внешнему ID события
func (r *PostgresGatewayEventRepository) GetByGatewayEventID(ctx context.Context, gatewayEventID string) (domain.GatewayEventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM gateway_events WHERE gateway_event_id = $1`

	rec, err := scanEvent(r.db.QueryRow(ctx, query, gatewayEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GatewayEventRecord{}, ErrNotFound
		}
		return domain.GatewayEventRecord{}, fmt.Errorf("failed to get gateway event: %w", err)
	}
	return rec, nil
}
