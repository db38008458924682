package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/gateway"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
)

// Client представляет клиент для работы с API Stripe
type Client struct {
	baseURL    string
	apiKey     string
	webhookKey string
	httpClient *http.Client
	log        *logger.Logger
}

// Config конфигурация для клиента Stripe
type Config struct {
	APIKey     string
	WebhookKey string
	BaseURL    string
	Timeout    time.Duration
}

// NewClient создает новый клиент Stripe
func NewClient(cfg Config, log *logger.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/v1",
		apiKey:     cfg.APIKey,
		webhookKey: cfg.WebhookKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// PaymentIntentResponse представляет ответ PaymentIntent от API Stripe
type PaymentIntentResponse struct {
	ID               string         `json:"id"`
	Object           string         `json:"object"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Status           string         `json:"status"`
	PaymentMethod    string         `json:"payment_method"`
	LastPaymentError *PaymentError  `json:"last_payment_error,omitempty"`
	Created          int64          `json:"created"`
	Error            *ErrorResponse `json:"error,omitempty"`
}

// PaymentError представляет ошибку платежа Stripe
type PaymentError struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
}

// ErrorResponse представляет тело ошибки API Stripe
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// RefundResponse представляет ответ Refund от API Stripe
type RefundResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Error  *ErrorResponse `json:"error,omitempty"`
}

// Charge списывает средства через PaymentIntent с подтверждением в один шаг
func (c *Client) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	c.log.Debugw("Creating Stripe payment intent", "amount", req.Amount, "currency", req.Currency)

	// Формируем данные для запроса
	formData := url.Values{}
	formData.Add("amount", fmt.Sprintf("%d", req.Amount))
	formData.Add("currency", strings.ToLower(req.Currency))
	formData.Add("payment_method", req.PaymentMethodRef)
	formData.Add("confirm", "true")
	formData.Add("off_session", "true")
	if req.Description != "" {
		formData.Add("description", req.Description)
	}
	formData.Add("payment_method_types[]", "card")

	var intentResp PaymentIntentResponse
	if err := c.postForm(ctx, "/payment_intents", formData, req.IdempotencyKey, &intentResp); err != nil {
		return gateway.ChargeResult{}, err
	}

	if intentResp.Error != nil {
		// card_error — синхронный отказ, остальное считаем отказом шлюза
		if intentResp.Error.Type == "card_error" {
			return gateway.ChargeResult{
				Status:         gateway.ChargeStatusDeclined,
				FailureCode:    intentResp.Error.Code,
				FailureMessage: intentResp.Error.Message,
			}, nil
		}
		return gateway.ChargeResult{}, domain.NewGatewayError(
			intentResp.Error.Code, intentResp.Error.Message, false, nil)
	}

	result := gateway.ChargeResult{GatewayReference: intentResp.ID}
	result.Status = mapIntentStatus(intentResp.Status)
	if intentResp.LastPaymentError != nil {
		result.FailureCode = intentResp.LastPaymentError.DeclineCode
		result.FailureMessage = intentResp.LastPaymentError.Message
	}

	c.log.Infow("Stripe payment intent processed", "intentID", intentResp.ID, "status", intentResp.Status)
	return result, nil
}

// Refund возвращает средства по платежу
func (c *Client) Refund(ctx context.Context, gatewayReference string, amount int64) (gateway.RefundResult, error) {
	c.log.Debugw("Creating Stripe refund", "intentID", gatewayReference, "amount", amount)

	formData := url.Values{}
	formData.Add("payment_intent", gatewayReference)
	if amount > 0 {
		formData.Add("amount", fmt.Sprintf("%d", amount))
	}

	var refundResp RefundResponse
	if err := c.postForm(ctx, "/refunds", formData, "", &refundResp); err != nil {
		return gateway.RefundResult{}, err
	}

	if refundResp.Error != nil {
		return gateway.RefundResult{}, domain.NewGatewayError(
			refundResp.Error.Code, refundResp.Error.Message, false, nil)
	}

	return gateway.RefundResult{Status: refundResp.Status, GatewayReference: refundResp.ID}, nil
}

// GetCharge читает текущее состояние списания из Stripe
func (c *Client) GetCharge(ctx context.Context, gatewayReference string) (gateway.ChargeResult, error) {
	c.log.Debugw("Getting Stripe payment intent", "intentID", gatewayReference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/payment_intents/"+gatewayReference, nil)
	if err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Authorization", "Bearer "+c.apiKey)

	var intentResp PaymentIntentResponse
	if err := c.doRequest(req, &intentResp); err != nil {
		return gateway.ChargeResult{}, err
	}

	if intentResp.Error != nil {
		if intentResp.Error.Code == "resource_missing" {
			return gateway.ChargeResult{}, domain.NewNotFoundError("payment intent", gatewayReference)
		}
		return gateway.ChargeResult{}, domain.NewGatewayError(
			intentResp.Error.Code, intentResp.Error.Message, false, nil)
	}

	result := gateway.ChargeResult{
		GatewayReference: intentResp.ID,
		Status:           mapIntentStatus(intentResp.Status),
	}
	if intentResp.LastPaymentError != nil {
		result.FailureCode = intentResp.LastPaymentError.DeclineCode
		result.FailureMessage = intentResp.LastPaymentError.Message
	}
	return result, nil
}

// postForm отправляет form-encoded POST запрос к API Stripe
func (c *Client) postForm(ctx context.Context, path string, formData url.Values, idempotencyKey string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(formData.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		// Stripe подавляет дубли по этому ключу, повтор запроса безопасен
		req.Header.Add("Idempotency-Key", idempotencyKey)
	}

	return c.doRequest(req, out)
}

// doRequest выполняет запрос и декодирует ответ.
// Сетевые сбои и 5xx возвращаются как транзиентные ошибки шлюза.
func (c *Client) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return domain.NewGatewayError("timeout", "stripe request timed out", true, err)
		}
		return domain.NewGatewayError("network", "stripe request failed", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.NewGatewayError(
			fmt.Sprintf("http_%d", resp.StatusCode), "stripe server error", true, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mapIntentStatus приводит статус PaymentIntent к статусу списания
func mapIntentStatus(status string) gateway.ChargeStatus {
	switch status {
	case "succeeded":
		return gateway.ChargeStatusSucceeded
	case "requires_payment_method", "canceled":
		return gateway.ChargeStatusDeclined
	default:
		// processing, requires_action и прочие промежуточные состояния
		return gateway.ChargeStatusPending
	}
}

// isTimeout проверяет, является ли ошибка таймаутом
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
