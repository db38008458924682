package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlanKind тип платежного плана
type PlanKind string

const (
	PlanKindTrial        PlanKind = "trial"
	PlanKindInstallment  PlanKind = "installment"
	PlanKindSubscription PlanKind = "subscription"
)

// PlanState состояние платежного плана
type PlanState string

const (
	PlanStateTrial     PlanState = "trial"
	PlanStateActive    PlanState = "active"
	PlanStatePastDue   PlanState = "past_due"
	PlanStateCancelled PlanState = "cancelled"
	PlanStateCompleted PlanState = "completed"
)

// IsTerminal проверяет, является ли состояние терминальным
func (s PlanState) IsTerminal() bool {
	return s == PlanStateCancelled || s == PlanStateCompleted
}

// Cadence периодичность списаний
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceBiweekly  Cadence = "biweekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

// Interval возвращает длительность одного периода списаний.
// Периоды фиксированные: месяц считается как 30 дней, чтобы график
// был детерминированным независимо от календарного месяца.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceBiweekly:
		return 14 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	case CadenceQuarterly:
		return 90 * 24 * time.Hour
	case CadenceYearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid проверяет, что периодичность поддерживается
func (c Cadence) Valid() bool {
	return c.Interval() > 0
}

// CancelMode режим отмены плана
type CancelMode string

const (
	CancelModeImmediate   CancelMode = "immediate"
	CancelModeAtPeriodEnd CancelMode = "at_period_end"
)

// PaymentPlan представляет собой платежное обязательство одной записи на курс
type PaymentPlan struct {
	ID                uuid.UUID  `json:"id"`
	EnrollmentID      uuid.UUID  `json:"enrollment_id"`
	PayerID           uuid.UUID  `json:"payer_id"`
	CourseID          uuid.UUID  `json:"course_id"`
	Kind              PlanKind   `json:"kind"`
	TotalAmount       int64      `json:"total_amount"` // Сумма в минимальных единицах валюты (копейки, центы)
	Currency          string     `json:"currency"`
	State             PlanState  `json:"state"`
	Cadence           Cadence    `json:"cadence,omitempty"` // Отсутствует для чистого триала
	PaymentMethodRef  string     `json:"payment_method_ref,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	PastDueSince      *time.Time `json:"past_due_since,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PlanRequest представляет запрос на создание платежного плана
type PlanRequest struct {
	EnrollmentID     uuid.UUID `json:"enrollment_id" binding:"required" validate:"required"`
	PayerID          uuid.UUID `json:"payer_id" binding:"required" validate:"required"`
	CourseID         uuid.UUID `json:"course_id" binding:"required" validate:"required"`
	Kind             PlanKind  `json:"kind" binding:"required" validate:"required"`
	TotalAmount      int64     `json:"total_amount"`
	Currency         string    `json:"currency" validate:"omitempty,len=3"`
	Installments     int       `json:"installments,omitempty"`
	Cadence          Cadence   `json:"cadence,omitempty"`
	DownPayment      int64     `json:"down_payment,omitempty"`
	TrialDays        int       `json:"trial_days,omitempty"`
	PaymentMethodRef string    `json:"payment_method_ref,omitempty"`
}

// PlanCreated результат создания плана
type PlanCreated struct {
	PlanID            uuid.UUID          `json:"plan_id"`
	State             PlanState          `json:"state"`
	FirstChargeResult *InstallmentResult `json:"first_charge_result,omitempty"`
}
