package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
)

const (
	TopicAccessChanged    = "billing.access.changed"
	TopicPlanStateChanged = "billing.plan.state_changed"
	TopicInstallmentPaid  = "billing.installment.paid"
	TopicPaymentRefunded  = "billing.payment.refunded"
)

// PlanStateEvent представляет событие смены состояния плана для Kafka
type PlanStateEvent struct {
	PlanID       string           `json:"plan_id"`
	EnrollmentID string           `json:"enrollment_id"`
	PayerID      string           `json:"payer_id"`
	State        domain.PlanState `json:"state"`
	Reason       string           `json:"reason,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// InstallmentEvent представляет событие списания для Kafka
type InstallmentEvent struct {
	InstallmentID  string                  `json:"installment_id"`
	PlanID         string                  `json:"plan_id"`
	SequenceNumber int                     `json:"sequence_number"`
	Amount         int64                   `json:"amount"`
	Currency       string                  `json:"currency"`
	State          domain.InstallmentState `json:"state"`
	Timestamp      time.Time               `json:"timestamp"`
}

// RefundEvent представляет событие возврата средств для Kafka
type RefundEvent struct {
	PlanID           string    `json:"plan_id"`
	InstallmentID    string    `json:"installment_id"`
	GatewayReference string    `json:"gateway_reference"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Timestamp        time.Time `json:"timestamp"`
}

// BillingProducer интерфейс для отправки событий биллинга
type BillingProducer interface {
	domain.AccessGate
	PublishPlanStateChanged(ctx context.Context, plan domain.PaymentPlan, reason string) error
	PublishInstallmentPaid(ctx context.Context, inst domain.Installment) error
	PublishRefund(ctx context.Context, inst domain.Installment, amount int64) error
	Close() error
}

type kafkaBillingProducer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewKafkaBillingProducer создает новый продюсер событий биллинга
func NewKafkaBillingProducer(producer sarama.SyncProducer, log *logger.Logger) BillingProducer {
	return &kafkaBillingProducer{
		producer: producer,
		log:      log,
	}
}

// NotifyAccessChange публикует уведомление о выдаче или отзыве доступа к курсу.
// Платформа доступа подписана на этот топик и сама применяет изменение.
func (p *kafkaBillingProducer) NotifyAccessChange(ctx context.Context, change domain.AccessChange) error {
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}
	return p.publish(ctx, TopicAccessChanged, change.EnrollmentID.String(), change)
}

// PublishPlanStateChanged публикует событие о смене состояния плана
func (p *kafkaBillingProducer) PublishPlanStateChanged(ctx context.Context, plan domain.PaymentPlan, reason string) error {
	event := PlanStateEvent{
		PlanID:       plan.ID.String(),
		EnrollmentID: plan.EnrollmentID.String(),
		PayerID:      plan.PayerID.String(),
		State:        plan.State,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	return p.publish(ctx, TopicPlanStateChanged, plan.ID.String(), event)
}

// PublishInstallmentPaid публикует событие об успешном списании
func (p *kafkaBillingProducer) PublishInstallmentPaid(ctx context.Context, inst domain.Installment) error {
	event := InstallmentEvent{
		InstallmentID:  inst.ID.String(),
		PlanID:         inst.PlanID.String(),
		SequenceNumber: inst.SequenceNumber,
		Amount:         inst.Amount,
		Currency:       inst.Currency,
		State:          inst.State,
		Timestamp:      time.Now(),
	}
	return p.publish(ctx, TopicInstallmentPaid, inst.PlanID.String(), event)
}

// PublishRefund публикует событие о возврате средств
func (p *kafkaBillingProducer) PublishRefund(ctx context.Context, inst domain.Installment, amount int64) error {
	event := RefundEvent{
		PlanID:           inst.PlanID.String(),
		InstallmentID:    inst.ID.String(),
		GatewayReference: inst.GatewayReference,
		Amount:           amount,
		Currency:         inst.Currency,
		Timestamp:        time.Now(),
	}
	return p.publish(ctx, TopicPaymentRefunded, inst.PlanID.String(), event)
}

// publish публикует событие биллинга в Kafka
func (p *kafkaBillingProducer) publish(ctx context.Context, topic, key string, event interface{}) error {
	messageValue, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(messageValue),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(topic),
			},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish billing event: %w", err)
	}

	p.log.Info("Published billing event to topic %s: partition=%d offset=%d",
		topic, partition, offset)

	return nil
}

// Close закрывает продюсер
func (p *kafkaBillingProducer) Close() error {
	return p.producer.Close()
}
