package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/inventory"
	"celupos/internal/pricing"
	"celupos/internal/xid"
)

const defaultDeadline = 15 * time.Second

type Store interface {
	GetOpenRegister(ctx context.Context, terminalID string) (*domain.Register, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	UpdateRepairStatus(ctx context.Context, id string, status string, saleID string, at time.Time) error
	SetRepairFinalCost(ctx context.Context, id string, amount decimal.Decimal) error
	LinkRepairToSale(ctx context.Context, id string, saleID string) error
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type StockExiter interface {
	ApplyExits(ctx context.Context, reference, createdBy string, lines []inventory.ExitLine) []inventory.ExitResult
}

type CreditLine interface {
	Check(ctx context.Context, customerID string, amount decimal.Decimal) (domain.CreditCheck, error)
	CreateCreditSale(ctx context.Context, customerID string, data domain.CreditSaleData) (*domain.CreditObligation, error)
}

// ReconcileQueue hands sales with failed follow-up steps to a background
// worker.
type ReconcileQueue interface {
	EnqueueSaleReconcile(ctx context.Context, saleID string, failures []domain.StepFailure) error
}

type Recorder interface {
	SaleFinalized(outcome string, elapsed time.Duration)
}

type Options struct {
	Timeout  time.Duration
	Queue    ReconcileQueue
	Recorder Recorder
	Logger   *slog.Logger
}

type Orchestrator struct {
	store    Store
	stock    StockExiter
	credit   CreditLine
	queue    ReconcileQueue
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(store Store, stock StockExiter, credit CreditLine, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		stock:    stock,
		credit:   credit,
		queue:    opts.Queue,
		recorder: opts.Recorder,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// plan is the immutable input of one commit attempt.
type plan struct {
	sessionID     string
	terminalID    string
	cashier       string
	calc          domain.CartCalculations
	input         pricing.Input
	customerID    string
	method        domain.PaymentMethod
	reference     string
	payments      []domain.PaymentSplitEntry
	repairs       []RepairLine
	markDelivered bool
	useFinalCost  bool
	creditPortion decimal.Decimal
	installments  int
	progress      progress
	prevStatus    Status
}

// Confirm moves the session through processing and stores the sale. A
// rejected guard returns the error and leaves the session as it was; a
// backend error while guarding fails the session like a failed commit.
func (o *Orchestrator) Confirm(ctx context.Context, s *Session) (*domain.Sale, error) {
	p, err := o.begin(s)
	if err != nil {
		return nil, err
	}

	started := o.now()
	if err := o.guard(ctx, s, &p); err != nil {
		if !guardRejected(err) {
			return nil, o.fail(ctx, s, nil, err, o.now().Sub(started))
		}
		s.mu.Lock()
		s.status = p.prevStatus
		s.mu.Unlock()
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	sale, err := o.commit(commitCtx, s, p)
	elapsed := o.now().Sub(started)

	if err != nil {
		return sale, o.fail(ctx, s, sale, err, elapsed)
	}
	o.succeed(s, sale, elapsed)
	return sale, nil
}

// begin checks the state machine and flips the session to processing.
func (o *Orchestrator) begin(s *Session) (plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusProcessing:
		return plan{}, ErrAlreadyProcessing
	case StatusSuccess:
		return plan{}, ErrAlreadyCompleted
	}

	calc := s.calculationsLocked()
	if err := s.localGuardLocked(calc); err != nil {
		return plan{}, err
	}

	p := plan{
		sessionID:     s.id,
		terminalID:    s.terminalID,
		cashier:       s.cashier,
		calc:          calc,
		input:         s.pricingInputLocked(),
		customerID:    s.customerID,
		method:        s.method,
		reference:     s.reference,
		repairs:       append([]RepairLine(nil), s.repairs...),
		markDelivered: s.markDelivered,
		useFinalCost:  s.useFinalCost,
		creditPortion: s.creditPortionLocked(calc.Total),
		installments:  s.installments,
		progress: progress{
			saleID:      s.progress.saleID,
			registerID:  s.progress.registerID,
			stockDone:   maps.Clone(s.progress.stockDone),
			repairsDone: maps.Clone(s.progress.repairsDone),
			creditDone:  s.progress.creditDone,
		},
		prevStatus: s.status,
	}
	p.input.Items = append([]domain.CartItem(nil), s.items...)
	if s.isMixed {
		p.payments = s.ledger.Entries()
	} else {
		p.payments = []domain.PaymentSplitEntry{simplePayment(s.method, calc, s.reference)}
	}

	s.status = StatusProcessing
	s.touchLocked()
	return p, nil
}

// guardRejected reports whether a guard error is a business rejection
// rather than a backend fault.
func guardRejected(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInsufficientCredit, domain.KindNotFound:
		return true
	}
	return false
}

func simplePayment(method domain.PaymentMethod, calc domain.CartCalculations, reference string) domain.PaymentSplitEntry {
	entry := domain.PaymentSplitEntry{ID: xid.New("pay"), Method: method, Amount: calc.Total}
	switch method {
	case domain.PaymentCard:
		d := digits(reference)
		entry.CardLast4 = d[len(d)-4:]
	case domain.PaymentTransfer:
		entry.Reference = reference
	}
	return entry
}

// guard runs the confirm preconditions that need the backend.
func (o *Orchestrator) guard(ctx context.Context, s *Session, p *plan) error {
	if p.progress.registerID == "" {
		register, err := o.store.GetOpenRegister(ctx, p.terminalID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrRegisterClosed
			}
			return fmt.Errorf("check register: %w", err)
		}
		p.progress.registerID = register.ID
	}

	if p.creditPortion.IsPositive() && !p.progress.creditDone {
		check, err := o.credit.Check(ctx, p.customerID, p.creditPortion)
		if err != nil {
			return fmt.Errorf("check credit: %w", err)
		}
		if !check.Eligible {
			return &domain.InsufficientCreditError{
				Requested: p.creditPortion,
				Available: check.Summary.AvailableCredit,
				Shortfall: pricing.Round2(check.Shortfall),
			}
		}
	}

	s.mu.Lock()
	s.progress.registerID = p.progress.registerID
	s.lastError = ""
	s.lastKind = ""
	s.mu.Unlock()
	return nil
}

// commit performs the side effects that have not completed yet. Once the
// sale exists every remaining step is attempted and failures are collected.
func (o *Orchestrator) commit(ctx context.Context, s *Session, p plan) (*domain.Sale, error) {
	sale, err := o.persistSale(ctx, s, p)
	if err != nil {
		return nil, err
	}

	var failures []domain.StepFailure
	failures = append(failures, o.postStockExits(ctx, s, p, sale)...)
	failures = append(failures, o.updateRepairs(ctx, s, p, sale)...)
	if f := o.postCredit(ctx, s, p, sale); f != nil {
		failures = append(failures, *f)
	}

	if len(failures) > 0 {
		return sale, &domain.PartialFailureError{SaleID: sale.ID, Steps: failures}
	}
	return sale, nil
}

func (o *Orchestrator) persistSale(ctx context.Context, s *Session, p plan) (*domain.Sale, error) {
	sale := buildSale(p, o.now())
	created, err := o.store.CreateSale(ctx, sale)
	if err != nil {
		return nil, fmt.Errorf("save sale: %w", err)
	}

	s.mu.Lock()
	s.progress.saleID = created.ID
	s.mu.Unlock()
	return created, nil
}

func buildSale(p plan, now time.Time) domain.Sale {
	items := make([]domain.SaleItem, 0, len(p.input.Items))
	for _, item := range p.input.Items {
		unit := pricing.AppliedUnitPrice(item, p.input.IsWholesale, p.input.WholesaleDiscountRate)
		items = append(items, domain.SaleItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: unit,
			UnitCost:  item.UnitCost,
			LineTotal: pricing.Round2(unit.Mul(decimal.NewFromInt(int64(item.Quantity)))),
		})
	}
	repairIDs := make([]string, 0, len(p.repairs))
	for _, r := range p.repairs {
		repairIDs = append(repairIDs, r.ID)
	}

	sale := domain.Sale{
		IdempotencyKey:    p.sessionID,
		TerminalID:        p.terminalID,
		RegisterID:        p.progress.registerID,
		CustomerID:        p.customerID,
		IsWholesale:       p.input.IsWholesale,
		Items:             items,
		RepairIDs:         repairIDs,
		Subtotal:          p.calc.Subtotal,
		GeneralDiscount:   p.calc.GeneralDiscountAmount,
		WholesaleDiscount: p.calc.WholesaleDiscountAmount,
		Tax:               p.calc.Tax,
		RepairSubtotal:    decimal.Zero,
		RepairTax:         decimal.Zero,
		Total:             p.calc.Total,
		AmountTendered:    p.calc.AmountTendered,
		Change:            p.calc.Change,
		PaymentMethod:     p.method,
		Payments:          p.payments,
		Status:            domain.SaleStatusCompleted,
		CashierUsername:   p.cashier,
		CreatedAt:         now,
	}
	if p.calc.RepairSubtotal != nil {
		sale.RepairSubtotal = *p.calc.RepairSubtotal
		sale.RepairTax = *p.calc.RepairTax
	}
	return sale
}

func (o *Orchestrator) postStockExits(ctx context.Context, s *Session, p plan, sale *domain.Sale) []domain.StepFailure {
	lines := make([]inventory.ExitLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		if p.progress.stockDone[item.ProductID] {
			continue
		}
		lines = append(lines, inventory.ExitLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if len(lines) == 0 {
		return nil
	}

	var failures []domain.StepFailure
	results := o.stock.ApplyExits(ctx, sale.ID, p.cashier, lines)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, domain.StepFailure{Step: domain.StepStockExit, Target: res.ProductID, Error: res.Err.Error()})
			continue
		}
		s.progress.stockDone[res.ProductID] = true
	}
	return failures
}

func (o *Orchestrator) updateRepairs(ctx context.Context, s *Session, p plan, sale *domain.Sale) []domain.StepFailure {
	if len(p.repairs) == 0 {
		return nil
	}

	var shares map[string]decimal.Decimal
	if p.useFinalCost && p.calc.RepairCostWithTax != nil {
		costs := make([]pricing.RepairCost, 0, len(p.repairs))
		for _, r := range p.repairs {
			costs = append(costs, pricing.RepairCost{ID: r.ID, Cost: r.Cost})
		}
		shares = pricing.AllocateRepairCost(*p.calc.RepairCostWithTax, costs)
	}

	var failures []domain.StepFailure
	for _, r := range p.repairs {
		if p.progress.repairsDone[r.ID] {
			continue
		}
		if err := o.updateRepair(ctx, r.ID, sale.ID, p.markDelivered, shares); err != nil {
			failures = append(failures, domain.StepFailure{Step: domain.StepRepair, Target: r.ID, Error: err.Error()})
			continue
		}
		s.mu.Lock()
		s.progress.repairsDone[r.ID] = true
		s.mu.Unlock()
	}
	return failures
}

// updateRepair links the repair to the sale before touching cost or
// status, so a charged repair can never be linked to another sale.
func (o *Orchestrator) updateRepair(ctx context.Context, repairID, saleID string, markDelivered bool, shares map[string]decimal.Decimal) error {
	if err := o.store.LinkRepairToSale(ctx, repairID, saleID); err != nil {
		return fmt.Errorf("link to sale: %w", err)
	}
	if share, ok := shares[repairID]; ok {
		if err := o.store.SetRepairFinalCost(ctx, repairID, share); err != nil {
			return fmt.Errorf("set final cost: %w", err)
		}
	}
	if markDelivered {
		if err := o.store.UpdateRepairStatus(ctx, repairID, domain.RepairStatusDelivered, saleID, o.now()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) postCredit(ctx context.Context, s *Session, p plan, sale *domain.Sale) *domain.StepFailure {
	if !p.creditPortion.IsPositive() || p.progress.creditDone {
		return nil
	}
	_, err := o.credit.CreateCreditSale(ctx, p.customerID, domain.CreditSaleData{
		SaleID:           sale.ID,
		Amount:           p.creditPortion,
		RepairIDs:        sale.RepairIDs,
		InstallmentCount: p.installments,
	})
	if err != nil {
		return &domain.StepFailure{Step: domain.StepCreditSale, Target: p.customerID, Error: err.Error()}
	}
	s.mu.Lock()
	s.progress.creditDone = true
	s.mu.Unlock()
	return nil
}

func (o *Orchestrator) succeed(s *Session, sale *domain.Sale, elapsed time.Duration) {
	s.mu.Lock()
	s.status = StatusSuccess
	s.sale = sale
	s.failures = nil
	s.items = nil
	s.repairs = nil
	s.ledger.Reset()
	s.retotalLocked()
	s.mu.Unlock()

	if o.recorder != nil {
		o.recorder.SaleFinalized("success", elapsed)
	}
	o.logger.Info("sale finalized",
		slog.String("sale_id", sale.ID),
		slog.String("session_id", s.id),
		slog.String("total", sale.Total.StringFixed(2)),
		slog.String("payment_method", string(sale.PaymentMethod)),
	)
}

// fail records the outcome of a commit that did not fully succeed. A sale
// that was stored is kept and queued for reconciliation.
func (o *Orchestrator) fail(ctx context.Context, s *Session, sale *domain.Sale, err error, elapsed time.Duration) error {
	var partial *domain.PartialFailureError
	isPartial := errors.As(err, &partial)
	if !isPartial && domain.IsRetryable(err) {
		err = domain.Unavailable(err)
	}

	s.mu.Lock()
	s.status = StatusFailed
	s.lastError = err.Error()
	s.lastKind = domain.KindOf(err)
	if isPartial {
		s.sale = sale
		s.failures = append([]domain.StepFailure(nil), partial.Steps...)
	}
	s.touchLocked()
	s.mu.Unlock()

	outcome := "failed"
	if isPartial {
		outcome = "partial"
	}
	if o.recorder != nil {
		o.recorder.SaleFinalized(outcome, elapsed)
	}
	if !isPartial {
		o.logger.Warn("sale finalization failed", slog.String("session_id", s.id), slog.Any("error", err))
		return err
	}

	o.logger.Error("sale saved with failed follow-up steps",
		slog.String("sale_id", partial.SaleID),
		slog.String("session_id", s.id),
		slog.Any("error", err),
	)
	bg := context.WithoutCancel(ctx)
	if o.queue != nil {
		if qerr := o.queue.EnqueueSaleReconcile(bg, partial.SaleID, partial.Steps); qerr != nil {
			o.logger.Warn("failed to enqueue sale reconciliation", slog.String("sale_id", partial.SaleID), slog.Any("error", qerr))
		}
	}
	if aerr := o.store.CreateAuditLog(bg, domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: s.cashier,
		Action:        "sale.partial_failure",
		EntityType:    "sale",
		EntityID:      partial.SaleID,
		Detail:        err.Error(),
		CreatedAt:     o.now(),
	}); aerr != nil {
		o.logger.Warn("failed to write audit log", slog.String("sale_id", partial.SaleID), slog.Any("error", aerr))
	}
	return err
}

// Reset discards the sale in progress. It is refused while a confirm is
// running.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusProcessing {
		return ErrAlreadyProcessing
	}
	s.resetLocked()
	return nil
}
