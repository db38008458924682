package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrConflict конкурентный переход состояния уже произошел, нужно перечитать
	ErrConflict = errors.New("concurrent state transition")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrNotDue платеж еще не подлежит списанию
	ErrNotDue = errors.New("installment is not due")

	// ErrDuplicateEvent повторная доставка уже обработанного события шлюза
	ErrDuplicateEvent = errors.New("duplicate gateway event")

	// ErrTerminalState план уже в терминальном состоянии
	ErrTerminalState = errors.New("plan is in terminal state")

	// ErrGatewayUnavailable платежный шлюз недоступен
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrWebhookValidationFailed не удалось проверить подпись вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")
)

// GatewayError представляет ошибку обращения к платежному шлюзу
type GatewayError struct {
	Code        string
	Message     string
	Transient   bool // Таймаут или 5xx: повторяется с отступом, декрементом бюджета попыток не считается
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway error [%s]: %s: %v", e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// NewGatewayError создает новую ошибку платежного шлюза
func NewGatewayError(code, message string, transient bool, err error) *GatewayError {
	return &GatewayError{
		Code:        code,
		Message:     message,
		Transient:   transient,
		OriginalErr: err,
	}
}

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields возвращает список полей с ошибками
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// Is проверяет соответствие ErrInvalidInput
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// ConflictError представляет проигрыш конкурентного условного обновления
type ConflictError struct {
	Entity   string
	ID       string
	Expected string
}

// Error реализует интерфейс error
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is no longer in state %s", e.Entity, e.ID, e.Expected)
}

// Is проверяет соответствие ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError создает новую ошибку конкурентного перехода
func NewConflictError(entity, id, expected string) *ConflictError {
	return &ConflictError{
		Entity:   entity,
		ID:       id,
		Expected: expected,
	}
}
