package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celupos/internal/domain"
	"celupos/internal/store/memory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []domain.StockAlert
	err    error
}

func (n *recordingNotifier) NotifyStockAlert(_ context.Context, alert domain.StockAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

type countingRecorder struct {
	mu        sync.Mutex
	movements map[domain.MovementType]int
	alerts    map[domain.AlertLevel]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{movements: map[domain.MovementType]int{}, alerts: map[domain.AlertLevel]int{}}
}

func (c *countingRecorder) StockMovement(t domain.MovementType) {
	c.mu.Lock()
	c.movements[t]++
	c.mu.Unlock()
}

func (c *countingRecorder) StockAlert(l domain.AlertLevel) {
	c.mu.Lock()
	c.alerts[l]++
	c.mu.Unlock()
}

func newStore(t *testing.T, stock, minStock int) *memory.Store {
	t.Helper()
	s := memory.New()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		ID:            "p1",
		SKU:           "SKU-1",
		Name:          "Screen protector",
		SalePrice:     decimal.NewFromInt(10),
		StockQuantity: stock,
		MinStock:      minStock,
		IsActive:      true,
	})
	require.NoError(t, err)
	return s
}

func TestCheckDelta(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.MovementType
		delta   int
		wantErr bool
	}{
		{name: "entrada adds", typ: domain.MovementEntrada, delta: 5},
		{name: "salida removes", typ: domain.MovementSalida, delta: -3},
		{name: "ajuste down", typ: domain.MovementAjuste, delta: -2},
		{name: "ajuste up", typ: domain.MovementAjuste, delta: 4},
		{name: "entrada negative", typ: domain.MovementEntrada, delta: -1, wantErr: true},
		{name: "entrada zero", typ: domain.MovementEntrada, delta: 0, wantErr: true},
		{name: "salida positive", typ: domain.MovementSalida, delta: 1, wantErr: true},
		{name: "ajuste zero", typ: domain.MovementAjuste, delta: 0, wantErr: true},
		{name: "unknown type", typ: "transfer", delta: 1, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckDelta(tc.typ, tc.delta)
			if tc.wantErr {
				assert.Equal(t, domain.KindValidation, domain.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, domain.AlertOutOfStock, LevelFor(0, 3))
	assert.Equal(t, domain.AlertLowStock, LevelFor(1, 3))
	assert.Equal(t, domain.AlertLowStock, LevelFor(3, 3))
	assert.Equal(t, domain.AlertNone, LevelFor(4, 3))
	assert.Equal(t, domain.AlertOutOfStock, LevelFor(0, 0))
}

func TestApplyRaisesAndClearsAlerts(t *testing.T) {
	s := newStore(t, 5, 2)
	notifier := &recordingNotifier{}
	recorder := newCountingRecorder()
	r := NewReconciler(s, notifier, recorder, nil)
	ctx := context.Background()

	res, err := r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementSalida, Delta: -3, Reason: "sale"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Movement.PreviousStock)
	assert.Equal(t, 2, res.Movement.NewStock)
	assert.Equal(t, -3, res.Movement.Quantity)
	assert.Equal(t, domain.AlertLowStock, res.Alert)

	// Same level again does not notify twice.
	res, err = r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementAjuste, Delta: -1, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertLowStock, res.Alert)

	res, err = r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementSalida, Delta: -1})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertOutOfStock, res.Alert)

	alerts, err := s.ListStockAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertOutOfStock, alerts[0].Level)

	res, err = r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementEntrada, Delta: 10, Reason: "restock"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertNone, res.Alert)
	alerts, err = s.ListStockAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.Len(t, notifier.alerts, 2)
	assert.Equal(t, domain.AlertLowStock, notifier.alerts[0].Level)
	assert.Equal(t, domain.AlertOutOfStock, notifier.alerts[1].Level)
	assert.Equal(t, 2, recorder.movements[domain.MovementSalida])
	assert.Equal(t, 1, recorder.alerts[domain.AlertOutOfStock])
}

// pausedAlertStore holds the first UpsertStockAlert until release is closed.
type pausedAlertStore struct {
	*memory.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (s *pausedAlertStore) UpsertStockAlert(ctx context.Context, alert domain.StockAlert) (bool, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.reached)
		<-s.release
	}
	return s.Store.UpsertStockAlert(ctx, alert)
}

func TestApplyLateAlertDoesNotOverrideRestock(t *testing.T) {
	paused := &pausedAlertStore{
		Store:   newStore(t, 1, 2),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	notifier := &recordingNotifier{}
	r := NewReconciler(paused, notifier, nil, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementSalida, Delta: -1, Reason: "sale"})
		done <- err
	}()
	<-paused.reached

	res, err := r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementEntrada, Delta: 10, Reason: "restock"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertNone, res.Alert)

	close(paused.release)
	require.NoError(t, <-done)

	alerts, err := paused.ListStockAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts, "an alert computed before the restock must not be stored")
	assert.Empty(t, notifier.alerts)

	product, err := paused.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, product.StockQuantity)
}

func TestAlertWritesFollowCurrentStock(t *testing.T) {
	s := newStore(t, 0, 2)
	ctx := context.Background()

	changed, err := s.UpsertStockAlert(ctx, domain.StockAlert{ProductID: "p1", Level: domain.AlertLowStock, StockQuantity: 1, MinStock: 2})
	require.NoError(t, err)
	assert.False(t, changed, "snapshot no longer matches the product")

	changed, err = s.UpsertStockAlert(ctx, domain.StockAlert{ProductID: "p1", Level: domain.AlertOutOfStock, StockQuantity: 0, MinStock: 2})
	require.NoError(t, err)
	assert.True(t, changed)

	cleared, err := s.ClearStockAlert(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, cleared, "stock is still at or below the minimum")

	alerts, err := s.ListStockAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertOutOfStock, alerts[0].Level)
}

func TestApplyKeepsAuditTrailConsistent(t *testing.T) {
	s := newStore(t, 10, 0)
	r := NewReconciler(s, nil, nil, nil)
	ctx := context.Background()

	for _, m := range []MovementRequest{
		{ProductID: "p1", Type: domain.MovementEntrada, Delta: 4},
		{ProductID: "p1", Type: domain.MovementSalida, Delta: -6},
		{ProductID: "p1", Type: domain.MovementAjuste, Delta: -3},
	} {
		res, err := r.ApplyMovement(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, res.Movement.PreviousStock+res.Movement.Quantity, res.Movement.NewStock)
	}

	movements, err := s.ListStockMovements(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, movements, 3)
	product, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, product.StockQuantity)
}

func TestApplyRejectsUnderflowAndMissingProduct(t *testing.T) {
	s := newStore(t, 2, 1)
	notifier := &recordingNotifier{}
	r := NewReconciler(s, notifier, nil, nil)
	ctx := context.Background()

	_, err := r.ApplyMovement(ctx, MovementRequest{ProductID: "p1", Type: domain.MovementSalida, Delta: -3})
	assert.True(t, errors.Is(err, domain.ErrStockConflict), "got %v", err)
	assert.Equal(t, domain.KindStockConflict, domain.KindOf(err))

	_, err = r.ApplyMovement(ctx, MovementRequest{ProductID: "nope", Type: domain.MovementEntrada, Delta: 1})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	movements, err := s.ListStockMovements(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Empty(t, notifier.alerts)
}

func TestApplySurvivesNotifierFailure(t *testing.T) {
	s := newStore(t, 1, 0)
	r := NewReconciler(s, &recordingNotifier{err: errors.New("queue down")}, nil, nil)

	res, err := r.ApplyMovement(context.Background(), MovementRequest{ProductID: "p1", Type: domain.MovementSalida, Delta: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Product.StockQuantity)
}

func TestApplyExitsReportsEachLine(t *testing.T) {
	s := newStore(t, 5, 0)
	_, err := s.CreateProduct(context.Background(), domain.Product{ID: "p2", SKU: "SKU-2", Name: "Case", StockQuantity: 1, IsActive: true})
	require.NoError(t, err)
	r := NewReconciler(s, nil, nil, nil)

	results := r.ApplyExits(context.Background(), "sale-1", "cashier", []ExitLine{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 3},
		{ProductID: "ghost", Quantity: 1},
	})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Result.Product.StockQuantity)
	assert.Equal(t, "sale-1", results[0].Result.Movement.Reference)
	assert.ErrorIs(t, results[1].Err, domain.ErrStockConflict)
	assert.ErrorIs(t, results[2].Err, domain.ErrNotFound)
}

func TestApplyExitsConcurrentSameProduct(t *testing.T) {
	s := newStore(t, 20, 0)
	r := NewReconciler(s, nil, nil, nil)

	lines := make([]ExitLine, 30)
	for i := range lines {
		lines[i] = ExitLine{ProductID: "p1", Quantity: 1}
	}
	results := r.ApplyExits(context.Background(), "bulk", "system", lines)

	ok := 0
	for _, res := range results {
		if res.Err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, res.Err, domain.ErrStockConflict)
	}
	assert.Equal(t, 20, ok)
	product, err := s.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, product.StockQuantity)
}
