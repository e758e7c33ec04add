package service

import (
	"context"
	"fmt"
	"strings"

	"celupos/internal/domain"
	"celupos/internal/inventory"
)

// ApplyStockMovement books a manual movement. Quantity is the signed delta.
// Cashiers need a manager PIN for ajuste movements.
func (s *Service) ApplyStockMovement(ctx context.Context, req domain.StockMovementRequest) (*inventory.Result, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, domain.Invalid("reason", "is required")
	}

	if req.Type == domain.MovementAjuste && requireAdmin(ctx) != nil {
		if s.pins == nil || !s.pins.ValidateManagerPIN(req.ManagerPIN) {
			return nil, fmt.Errorf("manager pin required for ajuste: %w", ErrForbidden)
		}
	}

	result, err := s.reconciler.ApplyMovement(ctx, inventory.MovementRequest{
		ProductID: req.ProductID,
		Type:      req.Type,
		Delta:     req.Quantity,
		Reason:    req.Reason,
		Reference: strings.TrimSpace(req.Reference),
		CreatedBy: actorName(ctx),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "stock."+string(req.Type), "product", req.ProductID,
		fmt.Sprintf("delta=%d stock %d->%d reason=%s", req.Quantity, result.Movement.PreviousStock, result.Movement.NewStock, req.Reason))
	return result, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}

func (s *Service) ListStockAlerts(ctx context.Context) ([]domain.StockAlert, error) {
	return s.repo.ListStockAlerts(ctx)
}
