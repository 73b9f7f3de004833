package catalog

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/cache"
)

const redemptionKeyPrefix = "promo:redemptions:"

// RedemptionCounter tracks how often a promo code has been redeemed.
// The Redis implementation is shared across instances so the cap holds
// under concurrent checkouts.
type RedemptionCounter interface {
	Count(code string) (int64, error)
	Incr(code string) (int64, error)
	Decr(code string) (int64, error)
}

type redisRedemptionCounter struct {
	client *redis.Client
}

// NewRedisRedemptionCounter returns a counter backed by the shared cache client.
func NewRedisRedemptionCounter() RedemptionCounter {
	return &redisRedemptionCounter{client: cache.GetClient()}
}

func (r *redisRedemptionCounter) Count(code string) (int64, error) {
	n, err := r.client.Get(context.Background(), redemptionKeyPrefix+normalizeCode(code)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *redisRedemptionCounter) Incr(code string) (int64, error) {
	return r.client.Incr(context.Background(), redemptionKeyPrefix+normalizeCode(code)).Result()
}

func (r *redisRedemptionCounter) Decr(code string) (int64, error) {
	return r.client.Decr(context.Background(), redemptionKeyPrefix+normalizeCode(code)).Result()
}

// MemoryRedemptionCounter is an in-process counter for tests.
type MemoryRedemptionCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryRedemptionCounter() *MemoryRedemptionCounter {
	return &MemoryRedemptionCounter{counts: make(map[string]int64)}
}

func (m *MemoryRedemptionCounter) Count(code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[normalizeCode(code)], nil
}

func (m *MemoryRedemptionCounter) Incr(code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[normalizeCode(code)]++
	return m.counts[normalizeCode(code)], nil
}

func (m *MemoryRedemptionCounter) Decr(code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[normalizeCode(code)]--
	return m.counts[normalizeCode(code)], nil
}
