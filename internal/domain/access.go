package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccessChange представляет уведомление шлюзу доступа о смене состояния плана
type AccessChange struct {
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	PlanID       uuid.UUID `json:"plan_id"`
	GrantAccess  bool      `json:"grant_access"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AccessGate интерфейс внешней системы доступа к курсам.
// Уведомление отправляется при каждом переходе плана, меняющем доступ.
type AccessGate interface {
	NotifyAccessChange(ctx context.Context, change AccessChange) error
}
