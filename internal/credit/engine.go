// Package credit decides whether a customer can buy on credit and keeps
// track of the resulting obligations and installments.
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"celupos/internal/cache"
	"celupos/internal/domain"
	"celupos/internal/pricing"
	"celupos/internal/xid"
)

const (
	maxInstallments    = 36
	summaryLoadTimeout = 10 * time.Second
)

var hundred = decimal.NewFromInt(100)

type Store interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListOutstandingCredit(ctx context.Context, customerID string) ([]domain.CreditObligation, error)
	ListInstallments(ctx context.Context, customerID string) ([]domain.Installment, error)
	CreateCreditObligation(ctx context.Context, obligation domain.CreditObligation, installments []domain.Installment) (*domain.CreditObligation, error)
	PayInstallment(ctx context.Context, installmentID string, paidAt time.Time) (*domain.Installment, error)
}

type Config struct {
	NearLimitPercent    decimal.Decimal
	SummaryTTL          time.Duration
	InstallmentInterval time.Duration
}

type Engine struct {
	store     Store
	summaries cache.CreditSummaryCache
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	locks map[string]*customerLock
}

// customerLock is dropped from Engine.locks once nobody holds or waits on it.
type customerLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(store Store, summaries cache.CreditSummaryCache, cfg Config, logger *slog.Logger) *Engine {
	if summaries == nil {
		summaries = cache.NoopCreditSummaryCache{}
	}
	if !cfg.NearLimitPercent.IsPositive() {
		cfg.NearLimitPercent = decimal.NewFromInt(80)
	}
	if cfg.InstallmentInterval <= 0 {
		cfg.InstallmentInterval = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		summaries: summaries,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*customerLock),
	}
}

// Summarize derives a customer's credit position. It has no side effects.
func Summarize(customer domain.Customer, outstanding []domain.CreditObligation, installments []domain.Installment, now time.Time) domain.CreditSummary {
	used := decimal.Zero
	pending := 0
	for _, c := range outstanding {
		rest := c.Outstanding()
		if !rest.IsPositive() {
			continue
		}
		used = used.Add(rest)
		pending++
	}

	overdue := decimal.Zero
	for _, inst := range installments {
		if inst.Status != domain.InstallmentStatusPaid && inst.DueDate.Before(now) {
			overdue = overdue.Add(inst.Amount)
		}
	}

	available := customer.CreditLimit.Sub(used)
	if available.IsNegative() {
		available = decimal.Zero
	}
	total := available.Add(used)

	return domain.CreditSummary{
		CustomerID:               customer.ID,
		TotalCredit:              total,
		UsedCredit:               used,
		AvailableCredit:          available,
		OverdueAmount:            overdue,
		PendingSales:             pending,
		CreditUtilizationPercent: utilization(used, total),
	}
}

// ProjectedUtilization is the utilization percent after charging amount.
func ProjectedUtilization(summary domain.CreditSummary, amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	used := summary.UsedCredit.Add(amount)
	available := summary.AvailableCredit.Sub(amount)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return utilization(used, available.Add(used))
}

func utilization(used, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	return pricing.Round2(used.Mul(hundred).Div(total))
}

// Summary returns the customer's credit summary, possibly from cache.
func (e *Engine) Summary(ctx context.Context, customerID string) (domain.CreditSummary, error) {
	if cached, ok, err := e.summaries.Get(ctx, customerID); err != nil {
		e.logger.Warn("credit summary cache read failed", slog.String("customer_id", customerID), slog.Any("error", err))
	} else if ok {
		return *cached, nil
	}

	// The load is shared by every waiter, so it runs detached from the
	// caller that started it. Each caller still stops waiting on its own ctx.
	ch := e.group.DoChan(customerID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryLoadTimeout)
		defer cancel()
		summary, _, err := e.fresh(loadCtx, customerID)
		if err != nil {
			return nil, err
		}
		if err := e.summaries.Set(loadCtx, customerID, &summary, e.cfg.SummaryTTL); err != nil {
			e.logger.Warn("credit summary cache write failed", slog.String("customer_id", customerID), slog.Any("error", err))
		}
		return summary, nil
	})
	select {
	case <-ctx.Done():
		return domain.CreditSummary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.CreditSummary{}, res.Err
		}
		return res.Val.(domain.CreditSummary), nil
	}
}

func (e *Engine) fresh(ctx context.Context, customerID string) (domain.CreditSummary, *domain.Customer, error) {
	customer, err := e.store.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.CreditSummary{}, nil, fmt.Errorf("customer %s: %w", customerID, err)
	}
	outstanding, err := e.store.ListOutstandingCredit(ctx, customerID)
	if err != nil {
		return domain.CreditSummary{}, nil, fmt.Errorf("list outstanding credit: %w", err)
	}
	installments, err := e.store.ListInstallments(ctx, customerID)
	if err != nil {
		return domain.CreditSummary{}, nil, fmt.Errorf("list installments: %w", err)
	}
	return Summarize(*customer, outstanding, installments, e.now()), customer, nil
}

// Check evaluates a prospective credit charge against fresh data.
func (e *Engine) Check(ctx context.Context, customerID string, amount decimal.Decimal) (domain.CreditCheck, error) {
	summary, customer, err := e.fresh(ctx, customerID)
	if err != nil {
		return domain.CreditCheck{}, err
	}

	shortfall := amount.Sub(summary.AvailableCredit)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	projected := ProjectedUtilization(summary, amount)
	return domain.CreditCheck{
		Summary:                     summary,
		Amount:                      amount,
		Eligible:                    customer.CreditLimit.IsPositive() && summary.AvailableCredit.GreaterThanOrEqual(amount),
		Shortfall:                   shortfall,
		ProjectedUtilizationPercent: projected,
		NearLimit:                   projected.GreaterThan(e.cfg.NearLimitPercent),
	}, nil
}

func (e *Engine) CanSellOnCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error) {
	check, err := e.Check(ctx, customerID, amount)
	if err != nil {
		return false, err
	}
	return check.Eligible, nil
}

// CreateCreditSale records a new obligation for data.Amount. Eligibility is
// re-checked under a per-customer lock so two sales in this process cannot
// both spend the same available credit.
func (e *Engine) CreateCreditSale(ctx context.Context, customerID string, data domain.CreditSaleData) (*domain.CreditObligation, error) {
	if !data.Amount.IsPositive() {
		return nil, domain.Invalid("amount", "must be greater than zero")
	}
	count := data.InstallmentCount
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxInstallments {
		return nil, domain.Invalid("installment_count", "must be between 1 and %d", maxInstallments)
	}

	unlock := e.lock(customerID)
	defer unlock()

	check, err := e.Check(ctx, customerID, data.Amount)
	if err != nil {
		return nil, err
	}
	if !check.Eligible {
		return nil, &domain.InsufficientCreditError{
			Requested: data.Amount,
			Available: check.Summary.AvailableCredit,
			Shortfall: pricing.Round2(check.Shortfall),
		}
	}

	now := e.now()
	obligation := domain.CreditObligation{
		ID:         xid.New("crd"),
		CustomerID: customerID,
		SaleID:     data.SaleID,
		Principal:  data.Amount,
		PaidAmount: decimal.Zero,
		Status:     domain.CreditStatusPending,
		RepairIDs:  data.RepairIDs,
		CreatedAt:  now,
	}
	created, err := e.store.CreateCreditObligation(ctx, obligation, e.schedule(customerID, data.Amount, count, now))
	if err != nil {
		return nil, fmt.Errorf("create credit obligation: %w", err)
	}

	e.Invalidate(ctx, customerID)
	e.logger.Info("credit sale recorded",
		slog.String("customer_id", customerID),
		slog.String("credit_id", created.ID),
		slog.String("amount", data.Amount.StringFixed(2)),
		slog.Bool("near_limit", check.NearLimit),
	)
	return created, nil
}

// schedule splits amount into count installments due every interval.
func (e *Engine) schedule(customerID string, amount decimal.Decimal, count int, from time.Time) []domain.Installment {
	each := pricing.Round2(amount.Div(decimal.NewFromInt(int64(count))))
	installments := make([]domain.Installment, count)
	allocated := decimal.Zero
	for i := range installments {
		share := each
		if i == count-1 {
			share = amount.Sub(allocated)
		}
		allocated = allocated.Add(share)
		installments[i] = domain.Installment{
			ID:         xid.New("ins"),
			CustomerID: customerID,
			Amount:     share,
			DueDate:    from.Add(time.Duration(i+1) * e.cfg.InstallmentInterval),
			Status:     domain.InstallmentStatusPending,
		}
	}
	return installments
}

func (e *Engine) PayInstallment(ctx context.Context, installmentID string) (*domain.Installment, error) {
	inst, err := e.store.PayInstallment(ctx, installmentID, e.now())
	if err != nil {
		return nil, err
	}
	e.Invalidate(ctx, inst.CustomerID)
	return inst, nil
}

// Invalidate drops the cached summary for customerID. Failures are logged.
func (e *Engine) Invalidate(ctx context.Context, customerID string) {
	if err := e.summaries.Invalidate(ctx, customerID); err != nil {
		e.logger.Warn("credit summary cache invalidation failed", slog.String("customer_id", customerID), slog.Any("error", err))
	}
}

func (e *Engine) lock(customerID string) func() {
	e.mu.Lock()
	l, ok := e.locks[customerID]
	if !ok {
		l = &customerLock{}
		e.locks[customerID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, customerID)
		}
		e.mu.Unlock()
	}
}
