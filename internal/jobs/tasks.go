// Package jobs holds the background tasks queued through asynq and the
// worker that runs them.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"celupos/internal/domain"
)

const (
	// QueueDefault is the queue every task goes to.
	QueueDefault = "default"
	// TaskSaleReconcile checks a sale whose follow-up steps failed.
	TaskSaleReconcile = "sale:reconcile"
	// TaskStockAlert announces a product entering low or out of stock.
	TaskStockAlert = "stock:alert"
)

type SaleReconcilePayload struct {
	SaleID   string               `json:"sale_id"`
	Failures []domain.StepFailure `json:"failures"`
	QueuedAt time.Time            `json:"queued_at"`
}

func NewSaleReconcileTask(payload SaleReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSaleReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

type StockAlertPayload struct {
	Alert domain.StockAlert `json:"alert"`
}

func NewStockAlertTask(payload StockAlertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAlert, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
