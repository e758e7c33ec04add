package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"celupos/internal/domain"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits tasks to the queue.
type Client struct {
	client enqueuer
	now    func() time.Time
}

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts), now: time.Now}
}

func (c *Client) EnqueueSaleReconcile(ctx context.Context, saleID string, failures []domain.StepFailure) error {
	task, err := NewSaleReconcileTask(SaleReconcilePayload{SaleID: saleID, Failures: failures, QueuedAt: c.now().UTC()})
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskSaleReconcile, err)
	}
	return nil
}

func (c *Client) NotifyStockAlert(ctx context.Context, alert domain.StockAlert) error {
	task, err := NewStockAlertTask(StockAlertPayload{Alert: alert})
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskStockAlert, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
