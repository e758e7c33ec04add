package cache

import (
	"context"
	"time"

	"celupos/internal/domain"
)

// CreditSummaryCache holds derived credit summaries for a short time.
// Implementations must treat a miss and a backend error the same way from
// the caller's point of view: the summary is recomputed.
type CreditSummaryCache interface {
	Get(ctx context.Context, customerID string) (*domain.CreditSummary, bool, error)
	Set(ctx context.Context, customerID string, value *domain.CreditSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, customerID string) error
}

type NoopCreditSummaryCache struct{}

func (NoopCreditSummaryCache) Get(_ context.Context, _ string) (*domain.CreditSummary, bool, error) {
	return nil, false, nil
}

func (NoopCreditSummaryCache) Set(_ context.Context, _ string, _ *domain.CreditSummary, _ time.Duration) error {
	return nil
}

func (NoopCreditSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
