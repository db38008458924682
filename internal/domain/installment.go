package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstallmentState состояние отдельного списания
type InstallmentState string

const (
	InstallmentStateScheduled  InstallmentState = "scheduled"
	InstallmentStateProcessing InstallmentState = "processing"
	InstallmentStatePaid       InstallmentState = "paid"
	InstallmentStateFailed     InstallmentState = "failed"
	InstallmentStateRetrying   InstallmentState = "retrying"
	InstallmentStateSkipped    InstallmentState = "skipped"
)

// IsTerminal проверяет, завершена ли попытка списания окончательно
func (s InstallmentState) IsTerminal() bool {
	return s == InstallmentStatePaid || s == InstallmentStateFailed || s == InstallmentStateSkipped
}

// Installment представляет собой одно запланированное списание внутри плана
type Installment struct {
	ID               uuid.UUID        `json:"id"`
	PlanID           uuid.UUID        `json:"plan_id"`
	SequenceNumber   int              `json:"sequence_number"` // Нумерация с 1, строго по порядку, без пропусков
	Amount           int64            `json:"amount"`
	Currency         string           `json:"currency"`
	DueAt            time.Time        `json:"due_at"`
	State            InstallmentState `json:"state"`
	AttemptCount     int              `json:"attempt_count"`
	LastAttemptAt    *time.Time       `json:"last_attempt_at,omitempty"`
	NextRetryAt      *time.Time       `json:"next_retry_at,omitempty"`
	GatewayReference string           `json:"gateway_reference,omitempty"` // Пустая до первой попытки
	FailureMessage   string           `json:"failure_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// InstallmentResult результат попытки списания
type InstallmentResult struct {
	InstallmentID uuid.UUID        `json:"installment_id"`
	State         InstallmentState `json:"state"`
	PlanState     PlanState        `json:"plan_state"`
	NextDueAt     *time.Time       `json:"next_due_at,omitempty"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// ProcessRequest представляет запрос на списание платежа
type ProcessRequest struct {
	PaymentMethodRef string `json:"payment_method_ref,omitempty"`
}
