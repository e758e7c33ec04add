package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"celupos/internal/checkout"
	"celupos/internal/domain"
	"celupos/internal/pricing"
)

func (s *Service) CreateSession(ctx context.Context, req domain.SessionCreateRequest) (checkout.View, error) {
	terminalID := strings.TrimSpace(req.TerminalID)
	if terminalID == "" {
		return checkout.View{}, domain.Invalid("terminal_id", "is required")
	}
	if dropped := s.sessions.Prune(s.sessionMaxAge, s.now()); dropped > 0 {
		s.logger.Info("pruned stale checkout sessions", slog.Int("count", dropped))
	}

	session := s.sessions.Create(terminalID, actorName(ctx))
	return session.View(), nil
}

// session looks up a checkout session. Cashiers only see their own.
func (s *Service) session(ctx context.Context, id string) (*checkout.Session, error) {
	session, err := s.sessions.Get(id)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role != RoleAdmin && session.Cashier() != actor.Username {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

func (s *Service) CancelSession(ctx context.Context, id string) error {
	if _, err := s.session(ctx, id); err != nil {
		return err
	}
	return s.sessions.Delete(id)
}

// UpdateCart replaces the cart. Prices and costs are snapshotted from the
// catalog at this point.
func (s *Service) UpdateCart(ctx context.Context, id string, req domain.CartRequest) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	if req.DiscountPercent.IsNegative() || req.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return checkout.View{}, domain.Invalid("discount_percent", "must be between 0 and 100")
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
			return checkout.View{}, fmt.Errorf("customer %s: %w", customerID, err)
		}
	}

	items, err := s.cartItems(ctx, req.Items)
	if err != nil {
		return checkout.View{}, err
	}

	if err := session.SetCart(checkout.CartUpdate{
		Items:           items,
		DiscountPercent: req.DiscountPercent,
		IsWholesale:     req.IsWholesale,
		CustomerID:      customerID,
	}); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

func (s *Service) cartItems(ctx context.Context, lines []domain.CartLineRequest) ([]domain.CartItem, error) {
	order := make([]string, 0, len(lines))
	quantities := make(map[string]int, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, domain.Invalid("product_id", "is required")
		}
		if line.Quantity < 1 {
			return nil, domain.Invalid("quantity", "must be at least 1 for %s", productID)
		}
		if _, seen := quantities[productID]; !seen {
			order = append(order, productID)
		}
		quantities[productID] += line.Quantity
	}
	if len(order) == 0 {
		return nil, nil
	}

	products, err := s.repo.GetProductsByIDs(ctx, order)
	if err != nil {
		return nil, err
	}

	items := make([]domain.CartItem, 0, len(order))
	for _, productID := range order {
		product, ok := products[productID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		if !product.IsActive {
			return nil, domain.Invalid("product_id", "%s is not for sale", product.Name)
		}
		qty := quantities[productID]
		if qty > product.StockQuantity {
			return nil, domain.Invalid("quantity", "only %d of %s in stock", product.StockQuantity, product.Name)
		}
		items = append(items, domain.CartItem{
			ProductID:          product.ID,
			Name:               product.Name,
			UnitPrice:          product.SalePrice,
			WholesaleUnitPrice: product.WholesalePrice,
			UnitCost:           product.PurchasePrice,
			Quantity:           qty,
		})
	}
	return items, nil
}

// UpdateRepairs links repairs to the sale. Each one is charged its final
// cost when known and its estimate otherwise.
func (s *Service) UpdateRepairs(ctx context.Context, id string, req domain.RepairLink) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}

	lines, err := s.repairLines(ctx, req.RepairIDs)
	if err != nil {
		return checkout.View{}, err
	}
	if err := session.SetRepairs(lines, req.MarkDelivered, req.UseFinalCostFromSale); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

func (s *Service) repairLines(ctx context.Context, ids []string) ([]checkout.RepairLine, error) {
	lines := make([]checkout.RepairLine, 0, len(ids))
	for _, raw := range ids {
		repairID := strings.TrimSpace(raw)
		if repairID == "" {
			continue
		}
		repair, err := s.repo.GetRepair(ctx, repairID)
		if err != nil {
			return nil, fmt.Errorf("repair %s: %w", repairID, err)
		}
		switch {
		case repair.Status == domain.RepairStatusDelivered, repair.Status == domain.RepairStatusCancelled:
			return nil, domain.Invalid("repair_ids", "repair %s is %s", repairID, repair.Status)
		case repair.SaleID != "":
			return nil, domain.Invalid("repair_ids", "repair %s was already charged on sale %s", repairID, repair.SaleID)
		}
		cost := repair.EstimatedCost
		if repair.FinalCost != nil {
			cost = *repair.FinalCost
		}
		lines = append(lines, checkout.RepairLine{ID: repair.ID, Cost: cost})
	}
	return lines, nil
}

func (s *Service) UpdatePayment(ctx context.Context, id string, req domain.PaymentRequest) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	if err := session.SetPayment(checkout.PaymentUpdate{
		Method:           req.Method,
		CashReceived:     req.CashReceived,
		Reference:        req.Reference,
		IsMixed:          req.IsMixed,
		InstallmentCount: req.InstallmentCount,
	}); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

func (s *Service) AddSplit(ctx context.Context, id string, req domain.SplitRequest) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	if _, err := session.AddSplit(req.Method, req.Amount, req.Reference); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

func (s *Service) RemoveSplit(ctx context.Context, id string, splitID string) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	if err := session.RemoveSplit(splitID); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

// Confirm finalizes the session's sale. On a partial failure the stored
// sale is returned together with the error.
func (s *Service) Confirm(ctx context.Context, id string) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}

	sale, err := s.orchestrator.Confirm(ctx, session)
	if err != nil {
		return session.View(), err
	}
	s.logAudit(ctx, "sale.create", "sale", sale.ID,
		fmt.Sprintf("total=%s method=%s items=%d repairs=%d", sale.Total.StringFixed(2), sale.PaymentMethod, len(sale.Items), len(sale.RepairIDs)))
	return session.View(), nil
}

func (s *Service) ResetSession(ctx context.Context, id string) (checkout.View, error) {
	session, err := s.session(ctx, id)
	if err != nil {
		return checkout.View{}, err
	}
	if err := session.Reset(); err != nil {
		return checkout.View{}, err
	}
	return session.View(), nil
}

// Quote prices a cart with the shop settings and stores nothing.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.CartCalculations, error) {
	if req.AmountTendered.IsNegative() {
		return domain.CartCalculations{}, domain.Invalid("amount_tendered", "must not be negative")
	}
	items, err := s.cartItems(ctx, req.Items)
	if err != nil {
		return domain.CartCalculations{}, err
	}
	lines, err := s.repairLines(ctx, req.RepairIDs)
	if err != nil {
		return domain.CartCalculations{}, err
	}

	var repairCost *decimal.Decimal
	if len(lines) > 0 {
		sum := decimal.Zero
		for _, line := range lines {
			sum = sum.Add(line.Cost)
		}
		repairCost = &sum
	}

	return pricing.Compute(pricing.Input{
		Items:                 items,
		DiscountPercent:       req.DiscountPercent,
		IsWholesale:           req.IsWholesale,
		WholesaleDiscountRate: s.settings.WholesaleDiscountRate,
		LinkedRepairCost:      repairCost,
		Tax:                   s.settings.Tax,
		AmountTendered:        req.AmountTendered,
	}), nil
}
