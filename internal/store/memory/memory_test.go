package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/store"
)

func seedProduct(t *testing.T, s *Store, id string, qty int) {
	t.Helper()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		ID:            id,
		SKU:           "SKU-" + id,
		Name:          "Product " + id,
		SalePrice:     decimal.NewFromInt(10),
		StockQuantity: qty,
		MinStock:      2,
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
}

func TestApplyStockMovementRejectsUnderflow(t *testing.T) {
	s := New()
	seedProduct(t, s, "p1", 3)

	_, _, err := s.ApplyStockMovement(context.Background(), domain.StockMovement{ProductID: "p1", Type: domain.MovementSalida, Quantity: -4})
	if !errors.Is(err, store.ErrStockConflict) {
		t.Fatalf("expected stock conflict, got %v", err)
	}

	movements, _ := s.ListStockMovements(context.Background(), "p1", 0)
	if len(movements) != 0 {
		t.Fatalf("rejected movement must not be recorded, got %d", len(movements))
	}

	_, _, err = s.ApplyStockMovement(context.Background(), domain.StockMovement{ProductID: "missing", Quantity: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyStockMovementConcurrentExitsNeverOversell(t *testing.T) {
	s := New()
	seedProduct(t, s, "p1", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicts := 0, 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ApplyStockMovement(context.Background(), domain.StockMovement{ProductID: "p1", Type: domain.MovementSalida, Quantity: -1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrStockConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 50 || conflicts != 30 {
		t.Fatalf("expected 50 ok / 30 conflicts, got %d / %d", succeeded, conflicts)
	}
	product, _ := s.GetProduct(context.Background(), "p1")
	if product.StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", product.StockQuantity)
	}

	movements, _ := s.ListStockMovements(context.Background(), "p1", 0)
	if len(movements) != 50 {
		t.Fatalf("expected 50 movements, got %d", len(movements))
	}
	seen := map[int]bool{}
	for _, m := range movements {
		if m.NewStock != m.PreviousStock+m.Quantity {
			t.Fatalf("movement %s breaks previous+delta: %+v", m.ID, m)
		}
		if seen[m.PreviousStock] {
			t.Fatalf("two movements observed previous stock %d", m.PreviousStock)
		}
		seen[m.PreviousStock] = true
	}
}

func TestCreateSaleIsIdempotentByKey(t *testing.T) {
	s := New()
	first, err := s.CreateSale(context.Background(), domain.Sale{IdempotencyKey: "sess-1", Total: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	second, err := s.CreateSale(context.Background(), domain.Sale{IdempotencyKey: "sess-1", Total: decimal.NewFromInt(99)})
	if err != nil {
		t.Fatalf("create sale again: %v", err)
	}
	if first.ID != second.ID || !second.Total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected the original sale back, got %+v", second)
	}

	sales, _ := s.ListSales(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if len(sales) != 1 {
		t.Fatalf("expected one stored sale, got %d", len(sales))
	}
}

func TestPayInstallmentSettlesCredit(t *testing.T) {
	s := New()
	ctx := context.Background()
	customer, _ := s.CreateCustomer(ctx, domain.Customer{Name: "Ana", CreditLimit: decimal.NewFromInt(500)})

	due := time.Now().UTC().Add(24 * time.Hour)
	_, err := s.CreateCreditObligation(ctx, domain.CreditObligation{
		CustomerID: customer.ID,
		Principal:  decimal.NewFromInt(100),
		Status:     domain.CreditStatusPending,
	}, []domain.Installment{
		{ID: "i1", Amount: decimal.NewFromInt(60), DueDate: due, Status: domain.InstallmentStatusPending},
		{ID: "i2", Amount: decimal.NewFromInt(40), DueDate: due, Status: domain.InstallmentStatusPending},
	})
	if err != nil {
		t.Fatalf("create credit: %v", err)
	}

	if _, err := s.PayInstallment(ctx, "i1", time.Now().UTC()); err != nil {
		t.Fatalf("pay i1: %v", err)
	}
	outstanding, _ := s.ListOutstandingCredit(ctx, customer.ID)
	if len(outstanding) != 1 || outstanding[0].Status != domain.CreditStatusPartial {
		t.Fatalf("expected one partial credit, got %+v", outstanding)
	}
	if !outstanding[0].Outstanding().Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 40 outstanding, got %s", outstanding[0].Outstanding())
	}

	if _, err := s.PayInstallment(ctx, "i2", time.Now().UTC()); err != nil {
		t.Fatalf("pay i2: %v", err)
	}
	outstanding, _ = s.ListOutstandingCredit(ctx, customer.ID)
	if len(outstanding) != 0 {
		t.Fatalf("expected credit settled, got %+v", outstanding)
	}
	updated, _ := s.GetCustomer(ctx, customer.ID)
	if !updated.CurrentBalance.IsZero() {
		t.Fatalf("expected zero balance, got %s", updated.CurrentBalance)
	}

	if _, err := s.PayInstallment(ctx, "i2", time.Now().UTC()); err == nil {
		t.Fatalf("expected paying twice to fail")
	}
}

func TestRegisterLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetOpenRegister(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no open register, got %v", err)
	}
	if _, err := s.OpenRegister(ctx, domain.Register{TerminalID: "t1", OpenedBy: "cashier"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.OpenRegister(ctx, domain.Register{TerminalID: "t1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate open to fail, got %v", err)
	}
	closed, err := s.CloseRegister(ctx, "t1", decimal.NewFromInt(150), time.Now().UTC())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.RegisterStatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
}

func TestLinkRepairToSaleRejectsSecondSale(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.LinkRepairToSale(ctx, "rep-0001", "sal-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkRepairToSale(ctx, "rep-0001", "sal-1"); err != nil {
		t.Fatalf("relinking the same sale should be a no-op, got %v", err)
	}
	if err := s.LinkRepairToSale(ctx, "rep-0001", "sal-2"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := s.LinkRepairToSale(ctx, "missing", "sal-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	repair, err := s.GetRepair(ctx, "rep-0001")
	if err != nil {
		t.Fatalf("get repair: %v", err)
	}
	if repair.SaleID != "sal-1" || repair.Status != domain.RepairStatusReady {
		t.Fatalf("unexpected repair after link: sale=%s status=%s", repair.SaleID, repair.Status)
	}
}
