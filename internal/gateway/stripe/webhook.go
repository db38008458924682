package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
)

// Максимально допустимый возраст подписи вебхука
const signatureTolerance = 5 * time.Minute

// WebhookEvent представляет событие от Stripe Webhook
type WebhookEvent struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string        `json:"id"`
			Amount           int64         `json:"amount"`
			AmountRefunded   int64         `json:"amount_refunded"`
			Currency         string        `json:"currency"`
			PaymentIntent    string        `json:"payment_intent"`
			LastPaymentError *PaymentError `json:"last_payment_error,omitempty"`
		} `json:"object"`
	} `json:"data"`
	Livemode bool `json:"livemode"`
}

// VerifySignature проверяет подпись Stripe-Signature над телом запроса.
// Формат заголовка: t=<unix>,v1=<hex hmac-sha256 от "<t>.<body>">.
// Непроверяемые события отклоняются сразу и не сохраняются.
func (c *Client) VerifySignature(payload []byte, header string, now time.Time) error {
	if header == "" {
		return domain.ErrWebhookValidationFailed
	}

	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", domain.ErrWebhookValidationFailed)
			}
			ts = parsed
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if ts == 0 || len(signatures) == 0 {
		return domain.ErrWebhookValidationFailed
	}

	if math.Abs(now.Sub(time.Unix(ts, 0)).Seconds()) > signatureTolerance.Seconds() {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrWebhookValidationFailed)
	}

	mac := hmac.New(sha256.New, []byte(c.webhookKey))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}

	return fmt.Errorf("%w: no matching signature", domain.ErrWebhookValidationFailed)
}

// ParseWebhook разбирает тело вебхука и приводит его к доменному событию.
// Неизвестные типы событий возвращают ok=false и молча игнорируются.
func (c *Client) ParseWebhook(payload []byte) (domain.GatewayWebhook, bool, error) {
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.GatewayWebhook{}, false, fmt.Errorf("failed to parse webhook event: %w", err)
	}

	webhook := domain.GatewayWebhook{
		EventID:  event.ID,
		Amount:   event.Data.Object.Amount,
		Currency: strings.ToUpper(event.Data.Object.Currency),
	}

	// Для charge.* ссылка на списание лежит в payment_intent, для
	// payment_intent.* — в самом объекте
	webhook.GatewayReference = event.Data.Object.PaymentIntent
	if webhook.GatewayReference == "" {
		webhook.GatewayReference = event.Data.Object.ID
	}

	switch event.Type {
	case "payment_intent.succeeded":
		webhook.Type = domain.GatewayEventTypePaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		webhook.Type = domain.GatewayEventTypePaymentFailed
		if event.Data.Object.LastPaymentError != nil {
			webhook.FailureMessage = event.Data.Object.LastPaymentError.Message
		}
	case "charge.refunded":
		webhook.Type = domain.GatewayEventTypeRefunded
		webhook.Amount = event.Data.Object.AmountRefunded
	default:
		c.log.Debugw("Ignored webhook event type", "type", event.Type)
		return domain.GatewayWebhook{}, false, nil
	}

	return webhook, true, nil
}
