// Package inventory applies stock movements and keeps the low/out-of-stock
// alerts in line with the resulting quantities.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"celupos/internal/domain"
)

const exitConcurrency = 8

type Store interface {
	ApplyStockMovement(ctx context.Context, movement domain.StockMovement) (domain.StockMovement, domain.Product, error)
	UpsertStockAlert(ctx context.Context, alert domain.StockAlert) (bool, error)
	ClearStockAlert(ctx context.Context, productID string) (bool, error)
}

// Notifier is told about alert transitions. Failures are logged only.
type Notifier interface {
	NotifyStockAlert(ctx context.Context, alert domain.StockAlert) error
}

type Recorder interface {
	StockMovement(movementType domain.MovementType)
	StockAlert(level domain.AlertLevel)
}

type MovementRequest struct {
	ProductID string
	Type      domain.MovementType
	Delta     int
	Reason    string
	Reference string
	CreatedBy string
}

type Result struct {
	Movement domain.StockMovement `json:"movement"`
	Product  domain.Product       `json:"product"`
	Alert    domain.AlertLevel    `json:"alert,omitempty"`
}

type ExitLine struct {
	ProductID string
	Quantity  int
}

type ExitResult struct {
	ProductID string
	Result    *Result
	Err       error
}

type Reconciler struct {
	store    Store
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(store Store, notifier Notifier, recorder Recorder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckDelta enforces the sign each movement type allows.
func CheckDelta(movementType domain.MovementType, delta int) error {
	switch movementType {
	case domain.MovementEntrada:
		if delta <= 0 {
			return domain.Invalid("quantity", "entrada must add stock")
		}
	case domain.MovementSalida:
		if delta >= 0 {
			return domain.Invalid("quantity", "salida must remove stock")
		}
	case domain.MovementAjuste:
		if delta == 0 {
			return domain.Invalid("quantity", "ajuste must not be zero")
		}
	default:
		return domain.Invalid("type", "unknown movement type %q", movementType)
	}
	return nil
}

// LevelFor derives the alert level for a stock quantity.
func LevelFor(stock, minStock int) domain.AlertLevel {
	switch {
	case stock <= 0:
		return domain.AlertOutOfStock
	case stock <= minStock:
		return domain.AlertLowStock
	}
	return domain.AlertNone
}

// ApplyMovement records one movement. Movements that would take stock
// below zero are rejected with domain.ErrStockConflict and leave no trace.
func (r *Reconciler) ApplyMovement(ctx context.Context, in MovementRequest) (*Result, error) {
	if in.ProductID == "" {
		return nil, domain.Invalid("product_id", "is required")
	}
	if err := CheckDelta(in.Type, in.Delta); err != nil {
		return nil, err
	}

	movement, product, err := r.store.ApplyStockMovement(ctx, domain.StockMovement{
		ProductID: in.ProductID,
		Type:      in.Type,
		Quantity:  in.Delta,
		Reason:    in.Reason,
		Reference: in.Reference,
		CreatedBy: in.CreatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s to %s: %w", in.Type, in.ProductID, err)
	}
	if r.recorder != nil {
		r.recorder.StockMovement(in.Type)
	}

	level := LevelFor(product.StockQuantity, product.MinStock)
	r.syncAlert(ctx, product, level)

	return &Result{Movement: movement, Product: product, Alert: level}, nil
}

// syncAlert runs after the movement is stored, so its failures do not fail
// the movement.
func (r *Reconciler) syncAlert(ctx context.Context, product domain.Product, level domain.AlertLevel) {
	if level == domain.AlertNone {
		if _, err := r.store.ClearStockAlert(ctx, product.ID); err != nil {
			r.logger.Warn("failed to clear stock alert", slog.String("product_id", product.ID), slog.Any("error", err))
		}
		return
	}

	alert := domain.StockAlert{
		ProductID:     product.ID,
		ProductName:   product.Name,
		Level:         level,
		StockQuantity: product.StockQuantity,
		MinStock:      product.MinStock,
		RaisedAt:      r.now(),
	}
	changed, err := r.store.UpsertStockAlert(ctx, alert)
	if err != nil {
		r.logger.Warn("failed to store stock alert", slog.String("product_id", product.ID), slog.Any("error", err))
		return
	}
	if !changed {
		return
	}
	if r.recorder != nil {
		r.recorder.StockAlert(level)
	}
	r.logger.Info("stock alert raised",
		slog.String("product_id", product.ID),
		slog.String("level", string(level)),
		slog.Int("stock", product.StockQuantity),
	)
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyStockAlert(ctx, alert); err != nil {
		r.logger.Warn("failed to notify stock alert", slog.String("product_id", product.ID), slog.Any("error", err))
	}
}

// ApplyExits records a salida for the units sold on each line. Lines run
// concurrently and report their outcome independently.
func (r *Reconciler) ApplyExits(ctx context.Context, reference, createdBy string, lines []ExitLine) []ExitResult {
	results := make([]ExitResult, len(lines))
	var g errgroup.Group
	g.SetLimit(exitConcurrency)
	for i, line := range lines {
		g.Go(func() error {
			res, err := r.ApplyMovement(ctx, MovementRequest{
				ProductID: line.ProductID,
				Type:      domain.MovementSalida,
				Delta:     -line.Quantity,
				Reason:    "sale",
				Reference: reference,
				CreatedBy: createdBy,
			})
			results[i] = ExitResult{ProductID: line.ProductID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
