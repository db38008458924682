package handlers

import (
	"errors"
	"net/http"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/gin-gonic/gin"
)

// respondError транслирует доменную ошибку в HTTP-ответ.
// Ошибки валидации -> 422, "не найдено" -> 404, конкурентный переход,
// терминальное состояние и "не подлежит списанию" -> 409, остальное -> 500.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var verrs domain.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]gin.H, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, gin.H{"field": ve.Field, "message": ve.Message})
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation failed",
			"details": details,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotDue),
		errors.Is(err, domain.ErrTerminalState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("Internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
