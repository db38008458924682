package domain

import (
	"time"

	"github.com/google/uuid"
)

// GatewayEventType тип события платежного шлюза
type GatewayEventType string

const (
	GatewayEventTypePaymentSucceeded GatewayEventType = "payment_succeeded"
	GatewayEventTypePaymentFailed    GatewayEventType = "payment_failed"
	GatewayEventTypeRefunded         GatewayEventType = "refunded"
)

// GatewayEventRecord представляет запись журнала сверки событий шлюза.
// GatewayEventID — ключ идемпотентности: повторная доставка того же
// события после установки ProcessedAt не имеет эффекта.
type GatewayEventRecord struct {
	ID               uuid.UUID        `json:"id"`
	GatewayEventID   string           `json:"gateway_event_id"`
	Type             GatewayEventType `json:"type"`
	GatewayReference string           `json:"gateway_reference"`
	Amount           int64            `json:"amount"`
	Currency         string           `json:"currency"`
	Payload          []byte           `json:"payload,omitempty"`
	ReceivedAt       time.Time        `json:"received_at"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
}

// GatewayWebhook представляет входящее вебхук-событие от шлюза
type GatewayWebhook struct {
	EventID          string           `json:"event_id" binding:"required"`
	Type             GatewayEventType `json:"type" binding:"required"`
	GatewayReference string           `json:"gateway_reference" binding:"required"`
	Amount           int64            `json:"amount"`
	Currency         string           `json:"currency"`
	FailureMessage   string           `json:"failure_message,omitempty"`
}
