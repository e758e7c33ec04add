package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"celupos/internal/domain"
	"celupos/internal/xid"
)

type ReconcileStore interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	GetRepair(ctx context.Context, id string) (*domain.Repair, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// SaleReconcileJob looks at a sale whose follow-up steps failed and
// records which of them are still outstanding for the operator.
type SaleReconcileJob struct {
	Store  ReconcileStore
	Logger *slog.Logger
	clock  func() time.Time
}

func NewSaleReconcileJob(store ReconcileStore, logger *slog.Logger) *SaleReconcileJob {
	return &SaleReconcileJob{Store: store, Logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

func (j *SaleReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SaleReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.SaleID == "" {
		return asynq.SkipRetry
	}
	logger := jobLogger(j.Logger, TaskSaleReconcile).With(slog.String("sale_id", payload.SaleID))

	sale, err := j.Store.GetSale(ctx, payload.SaleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Error("sale to reconcile does not exist")
			return fmt.Errorf("sale %s: %w", payload.SaleID, asynq.SkipRetry)
		}
		return err
	}

	pending, err := j.outstanding(ctx, sale, payload.Failures)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("sale follow-up steps already resolved")
		return nil
	}

	logger.Warn("sale needs manual reconciliation", slog.Int("pending_steps", len(pending)))
	return j.Store.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: "system",
		ActorRole:     "system",
		Action:        "sale.reconcile_pending",
		EntityType:    "sale",
		EntityID:      sale.ID,
		Detail:        describe(pending),
		CreatedAt:     j.now(),
	})
}

// outstanding re-checks each failed step against the stored state.
func (j *SaleReconcileJob) outstanding(ctx context.Context, sale *domain.Sale, failures []domain.StepFailure) ([]domain.StepFailure, error) {
	pending := make([]domain.StepFailure, 0, len(failures))
	for _, f := range failures {
		switch f.Step {
		case domain.StepStockExit:
			done, err := j.hasExit(ctx, sale.ID, f.Target)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}
		case domain.StepRepair:
			repair, err := j.Store.GetRepair(ctx, f.Target)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			if repair != nil && repair.SaleID == sale.ID {
				continue
			}
		}
		pending = append(pending, f)
	}
	return pending, nil
}

func (j *SaleReconcileJob) hasExit(ctx context.Context, saleID, productID string) (bool, error) {
	movements, err := j.Store.ListStockMovements(ctx, productID, 0)
	if err != nil {
		return false, err
	}
	for _, m := range movements {
		if m.Type == domain.MovementSalida && m.Reference == saleID {
			return true, nil
		}
	}
	return false, nil
}

func (j *SaleReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func describe(steps []domain.StepFailure) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.Target != "" {
			parts = append(parts, fmt.Sprintf("%s %s: %s", s.Step, s.Target, s.Error))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", s.Step, s.Error))
	}
	return strings.Join(parts, "; ")
}

type AuditWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// StockAlertJob writes alert transitions to the audit trail.
type StockAlertJob struct {
	Audit  AuditWriter
	Logger *slog.Logger
}

func NewStockAlertJob(audit AuditWriter, logger *slog.Logger) *StockAlertJob {
	return &StockAlertJob{Audit: audit, Logger: logger}
}

func (j *StockAlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload StockAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Alert.ProductID == "" {
		return asynq.SkipRetry
	}
	alert := payload.Alert
	raisedAt := alert.RaisedAt
	if raisedAt.IsZero() {
		raisedAt = time.Now().UTC()
	}
	jobLogger(j.Logger, TaskStockAlert).Warn("stock alert",
		slog.String("product_id", alert.ProductID),
		slog.String("product", alert.ProductName),
		slog.String("level", string(alert.Level)),
		slog.Int("stock", alert.StockQuantity),
		slog.Int("min_stock", alert.MinStock),
	)
	return j.Audit.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: "system",
		ActorRole:     "system",
		Action:        "stock." + string(alert.Level),
		EntityType:    "product",
		EntityID:      alert.ProductID,
		Detail:        fmt.Sprintf("%s has %d units (minimum %d)", alert.ProductName, alert.StockQuantity, alert.MinStock),
		CreatedAt:     raisedAt,
	})
}

func jobLogger(logger *slog.Logger, task string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", task))
}
