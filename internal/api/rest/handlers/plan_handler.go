package handlers

import (
	"net/http"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/internal/service"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PlanHandler обработчик для платежных планов
type PlanHandler struct {
	planSvc service.PlanService
	log     *logger.Logger
}

// NewPlanHandler создает новый обработчик планов
func NewPlanHandler(planSvc service.PlanService, log *logger.Logger) *PlanHandler {
	return &PlanHandler{
		planSvc: planSvc,
		log:     log,
	}
}

// CreatePlan создает новый платежный план
func (h *PlanHandler) CreatePlan(c *gin.Context) {
	var req domain.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid plan request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.planSvc.CreatePlan(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("Created plan with ID: %s", created.PlanID)
	c.JSON(http.StatusCreated, created)
}

// GetPlan возвращает план с графиком списаний
func (h *PlanHandler) GetPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan ID format"})
		return
	}

	plan, err := h.planSvc.GetPlan(c.Request.Context(), planID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, plan)
}

// CancelRequest представляет запрос на отмену плана
type CancelRequest struct {
	Mode   domain.CancelMode `json:"mode" binding:"required"`
	Reason string            `json:"reason,omitempty"`
}

// CancelPlan отменяет план немедленно или в конце оплаченного периода
func (h *PlanHandler) CancelPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan ID format"})
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid cancel request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := h.planSvc.CancelPlan(c.Request.Context(), planID, req.Mode, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("Cancelled plan %s (mode: %s)", planID, req.Mode)
	c.JSON(http.StatusOK, plan)
}

// ConvertTrial конвертирует триал в активный план
func (h *PlanHandler) ConvertTrial(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan ID format"})
		return
	}

	plan, err := h.planSvc.ConvertTrial(c.Request.Context(), planID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Info("Converted trial plan %s", planID)
	c.JSON(http.StatusOK, plan)
}

// ListUpcoming возвращает будущие списания плательщика
func (h *PlanHandler) ListUpcoming(c *gin.Context) {
	payerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payer ID format"})
		return
	}

	installments, err := h.planSvc.ListUpcoming(c.Request.Context(), payerID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"installments": installments})
}

// ListOverdue возвращает просроченные списания плательщика
func (h *PlanHandler) ListOverdue(c *gin.Context) {
	payerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payer ID format"})
		return
	}

	installments, err := h.planSvc.ListOverdue(c.Request.Context(), payerID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"installments": installments})
}
