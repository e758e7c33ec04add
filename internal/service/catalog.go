package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/inventory"
	"celupos/internal/store"
	"celupos/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct registers a product with zero stock and then books the
// initial quantity as an entrada so the movement trail starts complete.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" {
		return domain.Product{}, domain.Invalid("sku", "is required")
	}
	if req.Name == "" {
		return domain.Product{}, domain.Invalid("name", "is required")
	}
	if err := checkPrices(req.SalePrice, req.PurchasePrice, req.WholesalePrice); err != nil {
		return domain.Product{}, err
	}
	if req.InitialStock < 0 || req.MinStock < 0 {
		return domain.Product{}, domain.Invalid("stock", "must not be negative")
	}
	if req.MaxStock != nil && *req.MaxStock < req.MinStock {
		return domain.Product{}, domain.Invalid("max_stock", "must not be below min_stock")
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:             xid.New("prd"),
		SKU:            req.SKU,
		Name:           req.Name,
		SalePrice:      req.SalePrice.Round(2),
		PurchasePrice:  req.PurchasePrice.Round(2),
		WholesalePrice: roundPtr(req.WholesalePrice),
		MinStock:       req.MinStock,
		MaxStock:       req.MaxStock,
		CategoryID:     strings.TrimSpace(req.CategoryID),
		SupplierID:     strings.TrimSpace(req.SupplierID),
		IsActive:       true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		result, err := s.reconciler.ApplyMovement(ctx, inventory.MovementRequest{
			ProductID: created.ID,
			Type:      domain.MovementEntrada,
			Delta:     req.InitialStock,
			Reason:    "initial stock",
			CreatedBy: actorName(ctx),
		})
		if err != nil {
			return domain.Product{}, fmt.Errorf("initial stock for %s: %w", created.SKU, err)
		}
		created = &result.Product
	}

	s.logAudit(ctx, "product.create", "product", created.ID, fmt.Sprintf("sku=%s initial_stock=%d", created.SKU, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, domain.Invalid("name", "must not be empty")
		}
		updated.Name = name
	}
	if req.SalePrice != nil {
		updated.SalePrice = req.SalePrice.Round(2)
	}
	if req.PurchasePrice != nil {
		updated.PurchasePrice = req.PurchasePrice.Round(2)
	}
	if req.WholesalePrice != nil {
		if req.WholesalePrice.IsZero() {
			updated.WholesalePrice = nil
		} else {
			updated.WholesalePrice = roundPtr(req.WholesalePrice)
		}
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if req.MaxStock != nil {
		updated.MaxStock = req.MaxStock
	}
	if req.CategoryID != nil {
		updated.CategoryID = strings.TrimSpace(*req.CategoryID)
	}
	if req.SupplierID != nil {
		updated.SupplierID = strings.TrimSpace(*req.SupplierID)
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}
	if err := checkPrices(updated.SalePrice, updated.PurchasePrice, updated.WholesalePrice); err != nil {
		return domain.Product{}, err
	}
	if updated.MinStock < 0 {
		return domain.Product{}, domain.Invalid("min_stock", "must not be negative")
	}
	if updated.MaxStock != nil && *updated.MaxStock < updated.MinStock {
		return domain.Product{}, domain.Invalid("max_stock", "must not be below min_stock")
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product.update", "product", saved.ID,
		fmt.Sprintf("price %s->%s active=%t", existing.SalePrice.StringFixed(2), saved.SalePrice.StringFixed(2), saved.IsActive))
	return *saved, nil
}

func checkPrices(sale, purchase decimal.Decimal, wholesale *decimal.Decimal) error {
	if !sale.IsPositive() {
		return domain.Invalid("sale_price", "must be greater than zero")
	}
	if purchase.IsNegative() {
		return domain.Invalid("purchase_price", "must not be negative")
	}
	if wholesale != nil && (wholesale.IsNegative() || wholesale.GreaterThan(sale)) {
		return domain.Invalid("wholesale_price", "must be between 0 and the sale price")
	}
	return nil
}

func roundPtr(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	r := v.Round(2)
	return &r
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, domain.Invalid("name", "is required")
	}
	if req.CreditLimit.IsNegative() {
		return domain.Customer{}, domain.Invalid("credit_limit", "must not be negative")
	}
	if req.CreditLimit.IsPositive() {
		if err := requireAdmin(ctx); err != nil {
			return domain.Customer{}, err
		}
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		ID:             xid.New("cus"),
		Name:           req.Name,
		Phone:          strings.TrimSpace(req.Phone),
		Email:          strings.TrimSpace(req.Email),
		CreditLimit:    req.CreditLimit.Round(2),
		CurrentBalance: decimal.Zero,
		IsWholesale:    req.IsWholesale,
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer.create", "customer", created.ID, created.Name)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) UpdateCreditLimit(ctx context.Context, id string, req domain.CreditLimitRequest) (domain.Customer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Customer{}, err
	}
	if req.CreditLimit.IsNegative() {
		return domain.Customer{}, domain.Invalid("credit_limit", "must not be negative")
	}

	updated, err := s.repo.UpdateCreditLimit(ctx, id, req.CreditLimit.Round(2))
	if err != nil {
		return domain.Customer{}, err
	}
	s.credit.Invalidate(ctx, id)

	s.logAudit(ctx, "customer.credit_limit", "customer", id, "limit="+updated.CreditLimit.StringFixed(2))
	return *updated, nil
}

func (s *Service) CreateRepair(ctx context.Context, req domain.RepairCreateRequest) (domain.Repair, error) {
	req.Device = strings.TrimSpace(req.Device)
	req.Issue = strings.TrimSpace(req.Issue)
	if req.Device == "" {
		return domain.Repair{}, domain.Invalid("device", "is required")
	}
	if req.Issue == "" {
		return domain.Repair{}, domain.Invalid("issue", "is required")
	}
	if req.EstimatedCost.IsNegative() {
		return domain.Repair{}, domain.Invalid("estimated_cost", "must not be negative")
	}

	created, err := s.repo.CreateRepair(ctx, domain.Repair{
		ID:            xid.New("rep"),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Device:        req.Device,
		Issue:         req.Issue,
		Status:        domain.RepairStatusReceived,
		EstimatedCost: req.EstimatedCost.Round(2),
	})
	if err != nil {
		return domain.Repair{}, err
	}

	s.logAudit(ctx, "repair.create", "repair", created.ID, created.Device)
	return *created, nil
}

func (s *Service) GetRepair(ctx context.Context, id string) (domain.Repair, error) {
	repair, err := s.repo.GetRepair(ctx, id)
	if err != nil {
		return domain.Repair{}, err
	}
	return *repair, nil
}

func (s *Service) ListRepairs(ctx context.Context, status string, limit int) ([]domain.Repair, error) {
	status = strings.TrimSpace(status)
	if status != "" && !validRepairStatus(status) {
		return nil, domain.Invalid("status", "unknown repair status %q", status)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListRepairs(ctx, status, limit)
}

func (s *Service) UpdateRepairStatus(ctx context.Context, id string, req domain.RepairStatusRequest) (domain.Repair, error) {
	if !validRepairStatus(req.Status) {
		return domain.Repair{}, domain.Invalid("status", "unknown repair status %q", req.Status)
	}
	current, err := s.repo.GetRepair(ctx, id)
	if err != nil {
		return domain.Repair{}, err
	}
	if current.Status == domain.RepairStatusDelivered || current.Status == domain.RepairStatusCancelled {
		return domain.Repair{}, domain.Invalid("status", "repair is already %s", current.Status)
	}

	if err := s.repo.UpdateRepairStatus(ctx, id, req.Status, "", s.now()); err != nil {
		return domain.Repair{}, err
	}
	s.logAudit(ctx, "repair.status", "repair", id, current.Status+"->"+req.Status)
	return s.GetRepair(ctx, id)
}

func (s *Service) SetRepairFinalCost(ctx context.Context, id string, req domain.RepairFinalCostRequest) (domain.Repair, error) {
	if req.FinalCost.IsNegative() {
		return domain.Repair{}, domain.Invalid("final_cost", "must not be negative")
	}
	if err := s.repo.SetRepairFinalCost(ctx, id, req.FinalCost.Round(2)); err != nil {
		return domain.Repair{}, err
	}
	s.logAudit(ctx, "repair.final_cost", "repair", id, req.FinalCost.StringFixed(2))
	return s.GetRepair(ctx, id)
}

func validRepairStatus(status string) bool {
	switch status {
	case domain.RepairStatusReceived, domain.RepairStatusInProgress, domain.RepairStatusReady,
		domain.RepairStatusDelivered, domain.RepairStatusCancelled:
		return true
	}
	return false
}

func (s *Service) OpenRegister(ctx context.Context, req domain.RegisterOpenRequest) (domain.Register, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.Register{}, domain.Invalid("terminal_id", "is required")
	}
	if req.OpeningFloat.IsNegative() {
		return domain.Register{}, domain.Invalid("opening_float", "must not be negative")
	}

	register, err := s.repo.OpenRegister(ctx, domain.Register{
		ID:           xid.New("reg"),
		TerminalID:   req.TerminalID,
		OpenedBy:     actorName(ctx),
		OpeningFloat: req.OpeningFloat.Round(2),
		Status:       domain.RegisterStatusOpen,
		OpenedAt:     s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Register{}, domain.Invalid("terminal_id", "a register is already open on %s", req.TerminalID)
		}
		return domain.Register{}, err
	}

	s.logAudit(ctx, "register.open", "register", register.ID, "float="+register.OpeningFloat.StringFixed(2))
	return *register, nil
}

func (s *Service) CloseRegister(ctx context.Context, req domain.RegisterCloseRequest) (domain.Register, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.Register{}, domain.Invalid("terminal_id", "is required")
	}
	if req.ClosingCash.IsNegative() {
		return domain.Register{}, domain.Invalid("closing_cash", "must not be negative")
	}

	register, err := s.repo.CloseRegister(ctx, req.TerminalID, req.ClosingCash.Round(2), s.now())
	if err != nil {
		return domain.Register{}, err
	}

	s.logAudit(ctx, "register.close", "register", register.ID, "closing_cash="+req.ClosingCash.StringFixed(2))
	return *register, nil
}

func (s *Service) ActiveRegister(ctx context.Context, terminalID string) (domain.Register, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return domain.Register{}, domain.Invalid("terminal_id", "is required")
	}
	register, err := s.repo.GetOpenRegister(ctx, terminalID)
	if err != nil {
		return domain.Register{}, err
	}
	return *register, nil
}
