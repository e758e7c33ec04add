package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celupos/internal/domain"
	"celupos/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CELUPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CELUPOS_TEST_DATABASE_URL to run postgres integration tests")
	}
	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) domain.Product {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	p, err := s.CreateProduct(ctx, domain.Product{
		ID:            fmt.Sprintf("prd-it-%d", stamp),
		SKU:           fmt.Sprintf("IT-%d", stamp),
		Name:          "Integration screen protector",
		SalePrice:     decimal.RequireFromString("12.00"),
		PurchasePrice: decimal.RequireFromString("3.50"),
		StockQuantity: stock,
		MinStock:      2,
		IsActive:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_alerts WHERE product_id = $1`, p.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, p.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, p.ID)
	})
	return *p
}

func TestApplyStockMovementRejectsUnderflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 3)

	mov, updated, err := s.ApplyStockMovement(ctx, domain.StockMovement{ProductID: p.ID, Type: domain.MovementSalida, Quantity: -2, Reason: "sale"})
	require.NoError(t, err)
	assert.Equal(t, 3, mov.PreviousStock)
	assert.Equal(t, 1, mov.NewStock)
	assert.Equal(t, 1, updated.StockQuantity)

	_, _, err = s.ApplyStockMovement(ctx, domain.StockMovement{ProductID: p.ID, Type: domain.MovementSalida, Quantity: -2, Reason: "sale"})
	assert.ErrorIs(t, err, store.ErrStockConflict)

	_, _, err = s.ApplyStockMovement(ctx, domain.StockMovement{ProductID: "prd-missing", Type: domain.MovementEntrada, Quantity: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentExitsNeverOversell(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ApplyStockMovement(ctx, domain.StockMovement{ProductID: p.ID, Type: domain.MovementSalida, Quantity: -1, Reason: "sale"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrStockConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 15, conflicts)

	current, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.StockQuantity)

	movements, err := s.ListStockMovements(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, movements, 10)
	for _, m := range movements {
		assert.Equal(t, m.PreviousStock+m.Quantity, m.NewStock)
	}
}

func TestCreateSaleIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("ses-it-%d", time.Now().UnixNano())
	sale := domain.Sale{
		IdempotencyKey: key,
		TerminalID:     "it-terminal",
		Items: []domain.SaleItem{{
			ProductID: "prd-x", Name: "Cable", Quantity: 2,
			UnitPrice: decimal.RequireFromString("9.50"), UnitCost: decimal.RequireFromString("2.80"),
			LineTotal: decimal.RequireFromString("19.00"),
		}},
		Subtotal:      decimal.RequireFromString("19.00"),
		Total:         decimal.RequireFromString("19.00"),
		PaymentMethod: domain.PaymentCash,
		Payments:      []domain.PaymentSplitEntry{{ID: "p1", Method: domain.PaymentCash, Amount: decimal.RequireFromString("19.00")}},
		Status:        domain.SaleStatusCompleted,
	}

	first, err := s.CreateSale(ctx, sale)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, first.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, first.ID)
	})

	second, err := s.CreateSale(ctx, sale)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, second.Items, 1)
	assert.True(t, second.Items[0].UnitCost.Equal(decimal.RequireFromString("2.80")))
	require.Len(t, second.Payments, 1)
}

func TestOneOpenRegisterPerTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	terminal := fmt.Sprintf("it-term-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = s.db.ExecContext(ctx, `DELETE FROM registers WHERE terminal_id = $1`, terminal) })

	_, err := s.OpenRegister(ctx, domain.Register{TerminalID: terminal, OpenedBy: "cashier"})
	require.NoError(t, err)
	_, err = s.OpenRegister(ctx, domain.Register{TerminalID: terminal, OpenedBy: "cashier"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	closed, err := s.CloseRegister(ctx, terminal, decimal.NewFromInt(150), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.RegisterStatusClosed, closed.Status)

	_, err = s.GetOpenRegister(ctx, terminal)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
