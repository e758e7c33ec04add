package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"celupos/internal/domain"
)

const creditSummaryPrefix = "celupos:credit-summary:"

type RedisCreditSummaryCache struct {
	client *redis.Client
}

func NewRedisCreditSummaryCache(addr string, password string, db int) *RedisCreditSummaryCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCreditSummaryCache{client: client}
}

// NewRedisCreditSummaryCacheWithClient shares an existing client.
func NewRedisCreditSummaryCacheWithClient(client *redis.Client) *RedisCreditSummaryCache {
	return &RedisCreditSummaryCache{client: client}
}

func (c *RedisCreditSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCreditSummaryCache) Close() error {
	return c.client.Close()
}

func (c *RedisCreditSummaryCache) Get(ctx context.Context, customerID string) (*domain.CreditSummary, bool, error) {
	val, err := c.client.Get(ctx, creditSummaryPrefix+customerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.CreditSummary
	if err := json.Unmarshal(val, &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisCreditSummaryCache) Set(ctx context.Context, customerID string, value *domain.CreditSummary, ttl time.Duration) error {
	if value == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, creditSummaryPrefix+customerID, payload, ttl).Err()
}

func (c *RedisCreditSummaryCache) Invalidate(ctx context.Context, customerID string) error {
	return c.client.Del(ctx, creditSummaryPrefix+customerID).Err()
}
