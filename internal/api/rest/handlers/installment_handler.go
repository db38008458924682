package handlers

import (
	"net/http"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/service"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// InstallmentHandler обработчик для списаний
type InstallmentHandler struct {
	processor service.InstallmentProcessor
	log       *logger.Logger
}

// NewInstallmentHandler создает новый обработчик списаний
func NewInstallmentHandler(processor service.InstallmentProcessor, log *logger.Logger) *InstallmentHandler {
	return &InstallmentHandler{
		processor: processor,
		log:       log,
	}
}

// ProcessInstallment выполняет списание платежа по требованию
func (h *InstallmentHandler) ProcessInstallment(c *gin.Context) {
	installmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid installment ID format"})
		return
	}

	// Тело не обязательно: без него списание идет по сохраненному методу оплаты
	var req domain.ProcessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.log.Warn("Invalid process request: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.processor.ProcessInstallment(c.Request.Context(), installmentID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("Processed installment %s: %s", installmentID, result.State)
	c.JSON(http.StatusOK, result)
}

// RefundRequest представляет запрос на возврат средств
type RefundRequest struct {
	Amount int64 `json:"amount"` // 0 означает возврат всей суммы
}

// RefundInstallment инициирует возврат средств по оплаченному платежу.
// Списание остается paid до подтверждающего вебхука шлюза.
func (h *InstallmentHandler) RefundInstallment(c *gin.Context) {
	installmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid installment ID format"})
		return
	}

	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.log.Warn("Invalid refund request: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.processor.RefundInstallment(c.Request.Context(), installmentID, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("Refund initiated for installment %s", installmentID)
	c.JSON(http.StatusAccepted, gin.H{
		"status":            result.Status,
		"gateway_reference": result.GatewayReference,
	})
}
