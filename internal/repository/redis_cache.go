package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsinto/sschoool-sub009/internal/domain"
	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Префиксы ключей для различных типов данных
	planKeyPrefix          = "plan:"
	payerUpcomingKeyPrefix = "payer_upcoming:"
	payerOverdueKeyPrefix  = "payer_overdue:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository реализует кеширование для репозиториев с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CachePlan кеширует платежный план в Redis
func (r *RedisCacheRepository) CachePlan(ctx context.Context, plan domain.PaymentPlan) error {
	key := fmt.Sprintf("%s%s", planKeyPrefix, plan.ID)

	data, err := json.Marshal(plan)
	if err != nil {
		r.log.Errorw("Failed to marshal plan for caching", "error", err, "planID", plan.ID)
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	if err := r.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache plan in Redis", "error", err, "planID", plan.ID)
		return fmt.Errorf("failed to cache plan: %w", err)
	}

	r.log.Debugw("Plan cached successfully", "planID", plan.ID)
	return nil
}

// GetCachedPlan получает план из кеша
func (r *RedisCacheRepository) GetCachedPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error) {
	key := fmt.Sprintf("%s%s", planKeyPrefix, planID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			// Ключ не найден в кеше
			return nil, nil
		}
		r.log.Errorw("Error getting plan from Redis", "error", err, "planID", planID)
		return nil, fmt.Errorf("failed to get plan from cache: %w", err)
	}

	var plan domain.PaymentPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		r.log.Errorw("Failed to unmarshal cached plan", "error", err, "planID", planID)
		return nil, fmt.Errorf("failed to unmarshal cached plan: %w", err)
	}

	return &plan, nil
}

// InvalidatePlan удаляет план из кеша
func (r *RedisCacheRepository) InvalidatePlan(ctx context.Context, planID uuid.UUID) error {
	key := fmt.Sprintf("%s%s", planKeyPrefix, planID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Errorw("Failed to delete plan from cache", "error", err, "planID", planID)
		return fmt.Errorf("failed to delete plan from cache: %w", err)
	}
	return nil
}

// CachePayerInstallments кеширует список списаний плательщика (upcoming или overdue)
func (r *RedisCacheRepository) CachePayerInstallments(ctx context.Context, payerID uuid.UUID, overdue bool, installments []domain.Installment) error {
	key := payerInstallmentsKey(payerID, overdue)

	data, err := json.Marshal(installments)
	if err != nil {
		r.log.Errorw("Failed to marshal payer installments for caching", "error", err, "payerID", payerID)
		return fmt.Errorf("failed to marshal payer installments: %w", err)
	}

	if err := r.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache payer installments in Redis", "error", err, "payerID", payerID)
		return fmt.Errorf("failed to cache payer installments: %w", err)
	}

	r.log.Debugw("Payer installments cached successfully", "payerID", payerID, "count", len(installments))
	return nil
}

// GetCachedPayerInstallments получает список списаний плательщика из кеша
func (r *RedisCacheRepository) GetCachedPayerInstallments(ctx context.Context, payerID uuid.UUID, overdue bool) ([]domain.Installment, error) {
	key := payerInstallmentsKey(payerID, overdue)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			// Ключ не найден в кеше
			return nil, nil
		}
		r.log.Errorw("Error getting payer installments from Redis", "error", err, "payerID", payerID)
		return nil, fmt.Errorf("failed to get payer installments from cache: %w", err)
	}

	var installments []domain.Installment
	if err := json.Unmarshal(data, &installments); err != nil {
		r.log.Errorw("Failed to unmarshal cached payer installments", "error", err, "payerID", payerID)
		return nil, fmt.Errorf("failed to unmarshal cached payer installments: %w", err)
	}

	return installments, nil
}

// InvalidatePayerInstallments удаляет кеш списаний плательщика
func (r *RedisCacheRepository) InvalidatePayerInstallments(ctx context.Context, payerID uuid.UUID) error {
	keys := []string{
		payerInstallmentsKey(payerID, false),
		payerInstallmentsKey(payerID, true),
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.log.Errorw("Failed to invalidate payer installments cache", "error", err, "payerID", payerID)
		return fmt.Errorf("failed to invalidate payer installments cache: %w", err)
	}

	r.log.Debugw("Payer installments cache invalidated", "payerID", payerID)
	return nil
}

func payerInstallmentsKey(payerID uuid.UUID, overdue bool) string {
	if overdue {
		return fmt.Sprintf("%s%s", payerOverdueKeyPrefix, payerID)
	}
	return fmt.Sprintf("%s%s", payerUpcomingKeyPrefix, payerID)
}
