package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celupos/internal/credit"
	"celupos/internal/domain"
	"celupos/internal/inventory"
	"celupos/internal/store"
	"celupos/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testSettings = Settings{Tax: domain.TaxConfig{Rate: dec("0.16")}}

type fakeQueue struct {
	mu    sync.Mutex
	sales []string
}

func (q *fakeQueue) EnqueueSaleReconcile(_ context.Context, saleID string, _ []domain.StepFailure) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sales = append(q.sales, saleID)
	return nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) SaleFinalized(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// flakyExiter fails every line of the first call and delegates afterwards.
type flakyExiter struct {
	next  StockExiter
	mu    sync.Mutex
	calls int
}

func (f *flakyExiter) ApplyExits(ctx context.Context, reference, createdBy string, lines []inventory.ExitLine) []inventory.ExitResult {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if !first {
		return f.next.ApplyExits(ctx, reference, createdBy, lines)
	}
	results := make([]inventory.ExitResult, len(lines))
	for i, line := range lines {
		results[i] = inventory.ExitResult{ProductID: line.ProductID, Err: domain.Unavailable(errors.New("connection reset"))}
	}
	return results
}

// blockingExiter holds the commit open until release is closed.
type blockingExiter struct {
	next    StockExiter
	entered chan struct{}
	release chan struct{}
}

func (b *blockingExiter) ApplyExits(ctx context.Context, reference, createdBy string, lines []inventory.ExitLine) []inventory.ExitResult {
	close(b.entered)
	<-b.release
	return b.next.ApplyExits(ctx, reference, createdBy, lines)
}

// slowSaleStore never answers CreateSale before the context expires.
type slowSaleStore struct {
	*memory.Store
}

func (s slowSaleStore) CreateSale(ctx context.Context, _ domain.Sale) (*domain.Sale, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	store    *memory.Store
	credit   *credit.Engine
	queue    *fakeQueue
	recorder *outcomeRecorder
	orch     *Orchestrator
	registry *Registry
}

func newHarness(t *testing.T, wrap func(StockExiter) StockExiter) *harness {
	t.Helper()
	st := memory.NewSeeded()
	_, err := st.OpenRegister(context.Background(), domain.Register{TerminalID: "t1", OpenedBy: "cashier"})
	require.NoError(t, err)

	var exiter StockExiter = inventory.NewReconciler(st, nil, nil, nil)
	if wrap != nil {
		exiter = wrap(exiter)
	}
	engine := credit.NewEngine(st, nil, credit.Config{}, nil)
	h := &harness{
		store:    st,
		credit:   engine,
		queue:    &fakeQueue{},
		recorder: &outcomeRecorder{},
		registry: NewRegistry(testSettings),
	}
	h.orch = NewOrchestrator(st, exiter, engine, Options{Queue: h.queue, Recorder: h.recorder})
	return h
}

func (h *harness) item(t *testing.T, productID string, qty int) domain.CartItem {
	t.Helper()
	p, err := h.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return domain.CartItem{
		ProductID:          p.ID,
		Name:               p.Name,
		UnitPrice:          p.SalePrice,
		WholesaleUnitPrice: p.WholesalePrice,
		UnitCost:           p.PurchasePrice,
		Quantity:           qty,
	}
}

func (h *harness) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := h.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func TestConfirmCashSale(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{h.item(t, "prd-glass-a54", 2)}}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("30")}))

	view := s.View()
	assert.True(t, view.CanConfirm)
	assert.True(t, view.Calculations.Total.Equal(dec("27.84")))

	sale, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(dec("27.84")))
	assert.True(t, sale.Change.Equal(dec("2.16")))
	assert.Equal(t, s.ID(), sale.IdempotencyKey)
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].UnitCost.Equal(dec("3.50")))
	assert.NotEmpty(t, sale.RegisterID)

	assert.Equal(t, StatusSuccess, s.Status())
	assert.Equal(t, 38, h.stock(t, "prd-glass-a54"))

	view = s.View()
	assert.Empty(t, view.Items, "cart is cleared after success")
	assert.Empty(t, view.Payments)
	require.NotNil(t, view.Sale)
	assert.Equal(t, sale.ID, view.Sale.ID)
	assert.Equal(t, []string{"success"}, h.recorder.outcomes)

	_, err = h.orch.Confirm(context.Background(), s)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	require.NoError(t, s.Reset())
	view = s.View()
	assert.Equal(t, StatusIdle, view.Status)
	assert.Equal(t, domain.PaymentCash, view.PaymentMethod)
	assert.False(t, view.IsMixedPayment)
	assert.Nil(t, view.Sale)
}

func TestConfirmGuardsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	glass := h.item(t, "prd-glass-a54", 1)

	tests := []struct {
		name     string
		terminal string
		items    []domain.CartItem
		payment  PaymentUpdate
		wantKind domain.ErrorKind
	}{
		{name: "empty cart", terminal: "t1", payment: PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("100")}, wantKind: domain.KindValidation},
		{name: "short cash", terminal: "t1", items: []domain.CartItem{glass}, payment: PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("10")}, wantKind: domain.KindValidation},
		{name: "card without digits", terminal: "t1", items: []domain.CartItem{glass}, payment: PaymentUpdate{Method: domain.PaymentCard, Reference: "12"}, wantKind: domain.KindValidation},
		{name: "transfer without reference", terminal: "t1", items: []domain.CartItem{glass}, payment: PaymentUpdate{Method: domain.PaymentTransfer}, wantKind: domain.KindValidation},
		{name: "credit without customer", terminal: "t1", items: []domain.CartItem{glass}, payment: PaymentUpdate{Method: domain.PaymentCredit}, wantKind: domain.KindValidation},
		{name: "mixed not settled", terminal: "t1", items: []domain.CartItem{glass}, payment: PaymentUpdate{IsMixed: true}, wantKind: domain.KindValidation},
		{name: "register closed", terminal: "t9", items: []domain.CartItem{glass}, payment: PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("100")}, wantKind: domain.KindValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := h.registry.Create(tc.terminal, "cashier")
			require.NoError(t, s.SetCart(CartUpdate{Items: tc.items}))
			require.NoError(t, s.SetPayment(tc.payment))

			_, err := h.orch.Confirm(context.Background(), s)
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, domain.KindOf(err))
			assert.Equal(t, StatusIdle, s.Status())
			assert.Empty(t, s.View().SaleID)
		})
	}
	assert.Equal(t, 40, h.stock(t, "prd-glass-a54"))
}

func TestConfirmCreditSale(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{h.item(t, "prd-earbuds-bt", 1)}, CustomerID: "cus-ana-lopez"}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCredit, InstallmentCount: 2}))

	sale, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(dec("52.2")))
	assert.True(t, sale.AmountTendered.Equal(sale.Total))

	outstanding, err := h.store.ListOutstandingCredit(context.Background(), "cus-ana-lopez")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, sale.ID, outstanding[0].SaleID)
	assert.True(t, outstanding[0].Principal.Equal(dec("52.2")))

	installments, err := h.store.ListInstallments(context.Background(), "cus-ana-lopez")
	require.NoError(t, err)
	assert.Len(t, installments, 2)
}

func TestConfirmInsufficientCredit(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{CustomerID: "cus-ana-lopez"}))
	require.NoError(t, s.SetRepairs([]RepairLine{{ID: "rep-0001", Cost: dec("2000")}}, true, false))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCredit}))

	_, err := h.orch.Confirm(context.Background(), s)
	var insufficient *domain.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	assert.True(t, insufficient.Shortfall.Equal(dec("1320")), "got %s", insufficient.Shortfall)
	assert.Equal(t, StatusIdle, s.Status())

	repair, err := h.store.GetRepair(context.Background(), "rep-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.RepairStatusReady, repair.Status)
}

func TestConfirmMixedWithCreditSplit(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{h.item(t, "prd-charger-20w", 2)}, CustomerID: "cus-ana-lopez"}))
	require.NoError(t, s.SetPayment(PaymentUpdate{IsMixed: true}))

	_, err := s.AddSplit(domain.PaymentCash, dec("30"), "")
	require.NoError(t, err)
	_, err = s.AddSplit(domain.PaymentCard, dec("30"), "4242")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err), "split above the remaining balance is rejected")
	assert.False(t, s.View().CanConfirm)

	_, err = s.AddSplit(domain.PaymentCredit, dec("28"), "")
	require.NoError(t, err)
	assert.True(t, s.View().CanConfirm)

	sale, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMixed, sale.PaymentMethod)
	require.Len(t, sale.Payments, 2)

	outstanding, err := h.store.ListOutstandingCredit(context.Background(), "cus-ana-lopez")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.True(t, outstanding[0].Principal.Equal(dec("28")))
}

func TestConfirmLinkedRepair(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetRepairs([]RepairLine{{ID: "rep-0001", Cost: dec("45")}}, true, true))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCard, Reference: "4111 1111 1111 1234"}))

	sale, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"rep-0001"}, sale.RepairIDs)
	assert.True(t, sale.RepairSubtotal.Equal(dec("45")))
	assert.Equal(t, "1234", sale.Payments[0].CardLast4)

	repair, err := h.store.GetRepair(context.Background(), "rep-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.RepairStatusDelivered, repair.Status)
	assert.Equal(t, sale.ID, repair.SaleID)
	require.NotNil(t, repair.FinalCost)
	assert.True(t, repair.FinalCost.Equal(dec("52.2")))
}

func TestConfirmLinksRepairWithoutDelivering(t *testing.T) {
	h := newHarness(t, nil)
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetRepairs([]RepairLine{{ID: "rep-0001", Cost: dec("45")}}, false, true))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCard, Reference: "4111 1111 1111 1234"}))

	sale, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)

	repair, err := h.store.GetRepair(context.Background(), "rep-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.RepairStatusReady, repair.Status)
	assert.Equal(t, sale.ID, repair.SaleID)
	require.NotNil(t, repair.FinalCost)
	assert.True(t, repair.FinalCost.Equal(dec("52.2")))

	assert.ErrorIs(t, h.store.LinkRepairToSale(context.Background(), "rep-0001", "sal-other"), store.ErrDuplicate)
}

func TestPartialFailureRetryDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, func(next StockExiter) StockExiter { return &flakyExiter{next: next} })
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{
		h.item(t, "prd-glass-a54", 1),
		h.item(t, "prd-case-ip13", 2),
	}}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentTransfer, Reference: "SPEI-998"}))

	sale, err := h.orch.Confirm(context.Background(), s)
	var partial *domain.PartialFailureError
	require.True(t, errors.As(err, &partial), "got %v", err)
	require.NotNil(t, sale)
	assert.Equal(t, sale.ID, partial.SaleID)
	assert.Len(t, partial.Steps, 2)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, domain.KindPartialFailure, s.View().ErrorKind)
	assert.Equal(t, []string{sale.ID}, h.queue.sales)

	assert.ErrorIs(t, s.SetCart(CartUpdate{}), ErrSaleLocked)

	retried, err := h.orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, retried.ID)
	assert.Equal(t, StatusSuccess, s.Status())

	sales, err := h.store.ListSales(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, sales, 1)
	assert.Equal(t, 39, h.stock(t, "prd-glass-a54"))
	assert.Equal(t, 23, h.stock(t, "prd-case-ip13"))

	movements, err := h.store.ListStockMovements(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, movements, 2)

	logs, err := h.store.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sale.partial_failure", logs[0].Action)
	assert.Equal(t, []string{"partial", "success"}, h.recorder.outcomes)
}

func TestResetAndConfirmRejectedWhileProcessing(t *testing.T) {
	blocker := &blockingExiter{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(next StockExiter) StockExiter {
		blocker.next = next
		return blocker
	})
	s := h.registry.Create("t1", "cashier")
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{h.item(t, "prd-glass-a54", 1)}}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("20")}))

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Confirm(context.Background(), s)
		done <- err
	}()
	<-blocker.entered

	assert.Equal(t, StatusProcessing, s.Status())
	assert.ErrorIs(t, s.Reset(), ErrAlreadyProcessing)
	_, err := h.orch.Confirm(context.Background(), s)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	assert.ErrorIs(t, s.SetCart(CartUpdate{}), ErrAlreadyProcessing)
	assert.ErrorIs(t, h.registry.Delete(s.ID()), ErrAlreadyProcessing)

	close(blocker.release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusSuccess, s.Status())
}

func TestConfirmTimeoutIsRetryable(t *testing.T) {
	st := memory.NewSeeded()
	_, err := st.OpenRegister(context.Background(), domain.Register{TerminalID: "t1"})
	require.NoError(t, err)
	slow := slowSaleStore{Store: st}
	orch := NewOrchestrator(slow, inventory.NewReconciler(st, nil, nil, nil), credit.NewEngine(st, nil, credit.Config{}, nil), Options{Timeout: 20 * time.Millisecond})

	s := NewSession("ses-timeout", "t1", "cashier", testSettings)
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{{ProductID: "prd-glass-a54", Name: "Glass", UnitPrice: dec("12"), Quantity: 1}}}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("20")}))

	_, err = orch.Confirm(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	view := s.View()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, domain.KindBackendUnavailable, view.ErrorKind)
	assert.Empty(t, view.SaleID)
	assert.NotEmpty(t, view.Items, "cart survives a failed commit")

	p, err := st.GetProduct(context.Background(), "prd-glass-a54")
	require.NoError(t, err)
	assert.Equal(t, 40, p.StockQuantity)
}

// flakyRegisterStore answers GetOpenRegister according to mode.
type flakyRegisterStore struct {
	*memory.Store
	mode string
}

func (s *flakyRegisterStore) GetOpenRegister(ctx context.Context, terminalID string) (*domain.Register, error) {
	switch s.mode {
	case "down":
		return nil, domain.Unavailable(errors.New("connection refused"))
	case "closed":
		return nil, domain.ErrNotFound
	}
	return s.Store.GetOpenRegister(ctx, terminalID)
}

func TestConfirmBackendErrorDuringGuardFailsSession(t *testing.T) {
	st := memory.NewSeeded()
	_, err := st.OpenRegister(context.Background(), domain.Register{TerminalID: "t1"})
	require.NoError(t, err)
	flaky := &flakyRegisterStore{Store: st, mode: "down"}
	recorder := &outcomeRecorder{}
	orch := NewOrchestrator(flaky, inventory.NewReconciler(st, nil, nil, nil), credit.NewEngine(st, nil, credit.Config{}, nil), Options{Recorder: recorder})

	s := NewSession("ses-guard", "t1", "cashier", testSettings)
	require.NoError(t, s.SetCart(CartUpdate{Items: []domain.CartItem{{ProductID: "prd-glass-a54", Name: "Glass", UnitPrice: dec("12"), Quantity: 1}}}))
	require.NoError(t, s.SetPayment(PaymentUpdate{Method: domain.PaymentCash, CashReceived: dec("20")}))

	_, err = orch.Confirm(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	view := s.View()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, domain.KindBackendUnavailable, view.ErrorKind)
	assert.Contains(t, view.LastError, "connection refused")
	assert.Empty(t, view.SaleID)

	flaky.mode = "closed"
	_, err = orch.Confirm(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrRegisterClosed)

	view = s.View()
	assert.Equal(t, StatusFailed, view.Status, "a rejected retry keeps the previous failure")
	assert.Equal(t, domain.KindBackendUnavailable, view.ErrorKind)
	assert.Contains(t, view.LastError, "connection refused")

	flaky.mode = ""
	sale, err := orch.Confirm(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, sale)

	view = s.View()
	assert.Equal(t, StatusSuccess, view.Status)
	assert.Empty(t, view.LastError)
	assert.Empty(t, view.ErrorKind)
	assert.Equal(t, []string{"failed", "success"}, recorder.outcomes)
}

func TestRegistryPrune(t *testing.T) {
	r := NewRegistry(testSettings)
	s := r.Create("t1", "cashier")
	_, err := r.Get(s.ID())
	require.NoError(t, err)

	assert.Equal(t, 0, r.Prune(time.Hour, time.Now()))
	assert.Equal(t, 1, r.Prune(time.Hour, time.Now().Add(2*time.Hour)))
	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
