package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/gateway/stripe"
	"github.com/getsinto/sschoool-sub009/internal/service"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
)

// WebhookHandler обработчик вебхуков платежного шлюза
type WebhookHandler struct {
	stripeClient *stripe.Client
	reconciler   service.Reconciler
	log          *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(stripeClient *stripe.Client, reconciler service.Reconciler, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripeClient: stripeClient,
		reconciler:   reconciler,
		log:          log,
	}
}

// HandleGatewayWebhook принимает вебхук шлюза.
// Подпись проверяется до любого чтения состояния: событие с неверной
// подписью отклоняется 400 и не сохраняется.
func (h *WebhookHandler) HandleGatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warn("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := h.stripeClient.VerifySignature(payload, signature, time.Now()); err != nil {
		h.log.Warn("Webhook signature verification failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook signature"})
		return
	}

	webhook, ok, err := h.stripeClient.ParseWebhook(payload)
	if err != nil {
		h.log.Warn("Failed to parse webhook payload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}
	if !ok {
		// Неизвестный тип события: подтверждаем доставку, чтобы шлюз не повторял
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.reconciler.HandleEvent(c.Request.Context(), webhook); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		h.log.Error("Failed to process webhook event %s: %v", webhook.EventID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
