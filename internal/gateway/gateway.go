package gateway

import (
	"context"
)

// ChargeStatus синхронный статус списания в платежном шлюзе
type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusDeclined  ChargeStatus = "declined"
	ChargeStatusPending   ChargeStatus = "pending"
)

// ChargeRequest представляет запрос на списание средств
type ChargeRequest struct {
	PaymentMethodRef string
	Amount           int64 // Сумма в минимальных единицах валюты
	Currency         string
	IdempotencyKey   string
	Description      string
}

// ChargeResult представляет синхронный результат списания
type ChargeResult struct {
	Status           ChargeStatus
	GatewayReference string
	FailureCode      string
	FailureMessage   string
}

// RefundResult представляет результат возврата средств
type RefundResult struct {
	Status           string
	GatewayReference string
}

// PaymentGateway интерфейс платежного шлюза.
// Шлюз — недоверенная, eventually-consistent внешняя система: синхронный
// ответ может не прийти вовсе, окончательное состояние подтверждают вебхуки.
// Транзиентные сбои (таймаут, 5xx) возвращаются как *domain.GatewayError
// с Transient=true; отказ по карте — это не ошибка, а ChargeStatusDeclined.
type PaymentGateway interface {
	// Charge списывает средства с сохраненного метода оплаты.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)

	// Refund возвращает средства по ссылке шлюза. При amount = 0 возвращается вся сумма.
	Refund(ctx context.Context, gatewayReference string, amount int64) (RefundResult, error)

	// GetCharge читает текущее состояние списания из шлюза.
	// Используется сторожевой проверкой зависших списаний, чтобы не
	// допустить повторного списания после локального таймаута.
	GetCharge(ctx context.Context, gatewayReference string) (ChargeResult, error)
}
