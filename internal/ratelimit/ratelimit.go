// Package ratelimit реализует ограничение частоты запросов поверх Redis.
//
// Шлюз никогда не отклоняет запрос из-за собственной инфраструктуры: при
// недоступном или ненастроенном хранилище он пропускает трафик с признаком
// Degraded (fail-open).
package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const storeTimeout = 500 * time.Millisecond

// Bucket описывает именованное окно ограничения.
type Bucket struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Предопределённые окна ограничений.
var (
	// BucketOrders ограничивает создание заказов.
	BucketOrders = Bucket{Name: "orders", Limit: 10, Window: time.Minute}
	// BucketGeneration ограничивает запросы, сопутствующие генерации.
	BucketGeneration = Bucket{Name: "generation", Limit: 20, Window: time.Minute}
)

// Result — решение шлюза по одному запросу.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	Degraded  bool
}

// Gate — шлюз ограничения частоты запросов на счётчиках Redis.
type Gate struct {
	client *redis.Client
	logger *zap.Logger
}

// NewGate создаёт шлюз. Допускается client == nil: такой шлюз всегда
// пропускает запросы в деградированном режиме.
func NewGate(client *redis.Client, logger *zap.Logger) *Gate {
	return &Gate{
		client: client,
		logger: logger,
	}
}

// Allow фиксирует запрос от identity в окне bucket и возвращает решение.
func (g *Gate) Allow(ctx context.Context, identity string, bucket Bucket) Result {
	if g == nil || g.client == nil {
		return g.degraded(bucket, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	key := "ratelimit:" + bucket.Name + ":" + identity

	count, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return g.degraded(bucket, err)
	}

	// Окно задаётся первым запросом; у остальных TTL уже идёт.
	if count == 1 {
		if err := g.client.Expire(ctx, key, bucket.Window).Err(); err != nil {
			return g.degraded(bucket, err)
		}
	}

	resetAt := time.Now().Add(bucket.Window)
	if ttl, err := g.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}

	remaining := bucket.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= bucket.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (g *Gate) degraded(bucket Bucket, err error) Result {
	if g != nil && g.logger != nil && err != nil {
		g.logger.Warn("rate limit store unavailable, failing open",
			zap.String("bucket", bucket.Name),
			zap.Error(err),
		)
	}

	return Result{
		Allowed:   true,
		Remaining: bucket.Limit,
		ResetAt:   time.Now().Add(bucket.Window),
		Degraded:  true,
	}
}
