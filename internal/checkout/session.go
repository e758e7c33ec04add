// Package checkout owns the active sale on a terminal: its cart, payment
// entry and the confirm state machine that turns it into a stored sale.
package checkout

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/payment"
	"celupos/internal/pricing"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

var (
	ErrAlreadyProcessing = &domain.ValidationError{Field: "status", Message: "sale is already being processed"}
	ErrAlreadyCompleted  = &domain.ValidationError{Field: "status", Message: "sale already completed, reset to start a new one"}
	ErrSaleLocked        = &domain.ValidationError{Field: "status", Message: "sale already saved, reset to start a new one"}
)

// Settings are the shop-wide pricing inputs applied to every session.
type Settings struct {
	Tax                   domain.TaxConfig
	WholesaleDiscountRate decimal.Decimal
}

// RepairLine is a linked repair and the cost charged for it.
type RepairLine struct {
	ID   string          `json:"id"`
	Cost decimal.Decimal `json:"cost"`
}

type CartUpdate struct {
	Items           []domain.CartItem
	DiscountPercent decimal.Decimal
	IsWholesale     bool
	CustomerID      string
}

type PaymentUpdate struct {
	Method           domain.PaymentMethod
	CashReceived     decimal.Decimal
	Reference        string
	IsMixed          bool
	InstallmentCount int
}

type progress struct {
	saleID      string
	registerID  string
	stockDone   map[string]bool
	repairsDone map[string]bool
	creditDone  bool
}

func newProgress() progress {
	return progress{stockDone: map[string]bool{}, repairsDone: map[string]bool{}}
}

// Session is one terminal's sale in progress. All methods are safe for
// concurrent use.
type Session struct {
	mu sync.Mutex

	id         string
	terminalID string
	cashier    string
	settings   Settings

	items           []domain.CartItem
	discountPercent decimal.Decimal
	isWholesale     bool
	customerID      string

	repairs       []RepairLine
	markDelivered bool
	useFinalCost  bool

	method       domain.PaymentMethod
	cashReceived decimal.Decimal
	reference    string
	isMixed      bool
	installments int
	ledger       *payment.Ledger

	status    Status
	lastError string
	lastKind  domain.ErrorKind
	failures  []domain.StepFailure
	progress  progress
	sale      *domain.Sale
	updatedAt time.Time
}

func NewSession(id, terminalID, cashier string, settings Settings) *Session {
	return &Session{
		id:         id,
		terminalID: terminalID,
		cashier:    cashier,
		settings:   settings,
		method:     domain.PaymentCash,
		ledger:     payment.NewLedger(decimal.Zero),
		status:     StatusIdle,
		progress:   newProgress(),
		updatedAt:  time.Now().UTC(),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) TerminalID() string {
	return s.terminalID
}

func (s *Session) Cashier() string {
	return s.cashier
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// editableLocked reports whether the cart and payment can still change.
func (s *Session) editableLocked() error {
	switch {
	case s.status == StatusProcessing:
		return ErrAlreadyProcessing
	case s.status == StatusSuccess:
		return ErrAlreadyCompleted
	case s.progress.saleID != "":
		return ErrSaleLocked
	}
	return nil
}

func (s *Session) SetCart(update CartUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}

	items := make([]domain.CartItem, 0, len(update.Items))
	for _, item := range update.Items {
		if item.Quantity <= 0 {
			continue
		}
		items = append(items, item)
	}
	s.items = items
	s.discountPercent = update.DiscountPercent
	s.isWholesale = update.IsWholesale
	s.customerID = strings.TrimSpace(update.CustomerID)
	s.retotalLocked()
	return nil
}

func (s *Session) SetRepairs(lines []RepairLine, markDelivered, useFinalCost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(lines))
	repairs := make([]RepairLine, 0, len(lines))
	for _, line := range lines {
		if line.ID == "" || seen[line.ID] {
			continue
		}
		seen[line.ID] = true
		repairs = append(repairs, line)
	}
	s.repairs = repairs
	s.markDelivered = markDelivered
	s.useFinalCost = useFinalCost
	s.retotalLocked()
	return nil
}

// SetPayment selects how the sale is paid. Switching back to a single
// method drops any split entries.
func (s *Session) SetPayment(update PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}
	if !update.IsMixed && !update.Method.Valid() {
		return domain.Invalid("method", "unsupported payment method %q", update.Method)
	}
	if update.CashReceived.IsNegative() {
		return domain.Invalid("cash_received", "must not be negative")
	}

	if update.IsMixed {
		s.isMixed = true
		s.method = domain.PaymentMixed
	} else {
		s.isMixed = false
		s.method = update.Method
		s.ledger.Reset()
	}
	s.cashReceived = update.CashReceived
	s.reference = strings.TrimSpace(update.Reference)
	s.installments = update.InstallmentCount
	s.retotalLocked()
	return nil
}

func (s *Session) AddSplit(method domain.PaymentMethod, amount decimal.Decimal, reference string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return "", err
	}
	if !s.isMixed {
		return "", domain.Invalid("method", "split payments need mixed payment mode")
	}

	id, err := s.ledger.AddSplit(method, amount, reference)
	if err != nil {
		return "", err
	}
	s.touchLocked()
	return id, nil
}

func (s *Session) RemoveSplit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return err
	}
	s.ledger.RemoveSplit(id)
	s.touchLocked()
	return nil
}

// Calculations recomputes the totals from the current inputs.
func (s *Session) Calculations() domain.CartCalculations {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculationsLocked()
}

func (s *Session) pricingInputLocked() pricing.Input {
	return pricing.Input{
		Items:                 s.items,
		DiscountPercent:       s.discountPercent,
		IsWholesale:           s.isWholesale,
		WholesaleDiscountRate: s.settings.WholesaleDiscountRate,
		LinkedRepairCost:      s.repairCostLocked(),
		Tax:                   s.settings.Tax,
	}
}

func (s *Session) calculationsLocked() domain.CartCalculations {
	in := s.pricingInputLocked()
	calc := pricing.Compute(in)

	switch {
	case s.isMixed:
		in.AmountTendered = s.ledger.TotalPaid()
	case s.method == domain.PaymentCash:
		in.AmountTendered = s.cashReceived
	default:
		in.AmountTendered = calc.Total
	}
	return pricing.Compute(in)
}

func (s *Session) repairCostLocked() *decimal.Decimal {
	if len(s.repairs) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, r := range s.repairs {
		sum = sum.Add(r.Cost)
	}
	return &sum
}

// creditPortionLocked is the amount that will be charged to the
// customer's credit line.
func (s *Session) creditPortionLocked(total decimal.Decimal) decimal.Decimal {
	if s.isMixed {
		return s.ledger.PaidBy(domain.PaymentCredit)
	}
	if s.method == domain.PaymentCredit {
		return total
	}
	return decimal.Zero
}

// localGuardLocked checks every confirm precondition that does not need
// the backend.
func (s *Session) localGuardLocked(calc domain.CartCalculations) error {
	if len(s.items) == 0 && len(s.repairs) == 0 {
		return domain.Invalid("cart", "add at least one product or repair")
	}
	if s.isMixed {
		if !s.ledger.CanConfirm() {
			return domain.Invalid("payments", "remaining balance %s must be paid", s.ledger.Remaining().StringFixed(2))
		}
	} else {
		switch s.method {
		case domain.PaymentCash:
			if s.cashReceived.LessThan(calc.Total) {
				return domain.Invalid("cash_received", "cash received is less than the total %s", calc.Total.StringFixed(2))
			}
		case domain.PaymentCard:
			if len(digits(s.reference)) < 4 {
				return domain.Invalid("reference", "enter at least the last 4 card digits")
			}
		case domain.PaymentTransfer:
			if s.reference == "" {
				return domain.Invalid("reference", "transfer reference is required")
			}
		}
	}
	if s.creditPortionLocked(calc.Total).IsPositive() && s.customerID == "" {
		return domain.Invalid("customer_id", "credit sales need a customer")
	}
	return nil
}

// retotalLocked points the split ledger at the current total.
func (s *Session) retotalLocked() {
	s.ledger.SetTotal(pricing.Compute(s.pricingInputLocked()).Total)
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now().UTC()
}

// resetLocked returns the session to a fresh idle sale.
func (s *Session) resetLocked() {
	s.items = nil
	s.discountPercent = decimal.Zero
	s.isWholesale = false
	s.customerID = ""
	s.repairs = nil
	s.markDelivered = false
	s.useFinalCost = false
	s.method = domain.PaymentCash
	s.cashReceived = decimal.Zero
	s.reference = ""
	s.isMixed = false
	s.installments = 0
	s.ledger.Reset()
	s.ledger.SetTotal(decimal.Zero)
	s.status = StatusIdle
	s.lastError = ""
	s.lastKind = ""
	s.failures = nil
	s.progress = newProgress()
	s.sale = nil
	s.touchLocked()
}

type View struct {
	ID                   string                     `json:"id"`
	TerminalID           string                     `json:"terminal_id"`
	Cashier              string                     `json:"cashier"`
	Status               Status                     `json:"payment_status"`
	Items                []domain.CartItem          `json:"items"`
	DiscountPercent      decimal.Decimal            `json:"discount_percent"`
	IsWholesale          bool                       `json:"is_wholesale"`
	CustomerID           string                     `json:"customer_id,omitempty"`
	Repairs              []RepairLine               `json:"repairs"`
	MarkDelivered        bool                       `json:"mark_delivered"`
	UseFinalCostFromSale bool                       `json:"use_final_cost_from_sale"`
	PaymentMethod        domain.PaymentMethod       `json:"payment_method"`
	CashReceived         decimal.Decimal            `json:"cash_received"`
	IsMixedPayment       bool                       `json:"is_mixed_payment"`
	InstallmentCount     int                        `json:"installment_count,omitempty"`
	Payments             []domain.PaymentSplitEntry `json:"payments"`
	TotalPaid            decimal.Decimal            `json:"total_paid"`
	Calculations         domain.CartCalculations    `json:"calculations"`
	CanConfirm           bool                       `json:"can_confirm"`
	SaleID               string                     `json:"sale_id,omitempty"`
	Sale                 *domain.Sale               `json:"sale,omitempty"`
	LastError            string                     `json:"last_error,omitempty"`
	ErrorKind            domain.ErrorKind           `json:"error_kind,omitempty"`
	Failures             []domain.StepFailure       `json:"failures,omitempty"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

// View is a consistent copy of the session for display.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	calc := s.calculationsLocked()
	canConfirm := (s.status == StatusIdle || s.status == StatusFailed) && s.localGuardLocked(calc) == nil
	v := View{
		ID:                   s.id,
		TerminalID:           s.terminalID,
		Cashier:              s.cashier,
		Status:               s.status,
		Items:                append([]domain.CartItem(nil), s.items...),
		DiscountPercent:      s.discountPercent,
		IsWholesale:          s.isWholesale,
		CustomerID:           s.customerID,
		Repairs:              append([]RepairLine(nil), s.repairs...),
		MarkDelivered:        s.markDelivered,
		UseFinalCostFromSale: s.useFinalCost,
		PaymentMethod:        s.method,
		CashReceived:         s.cashReceived,
		IsMixedPayment:       s.isMixed,
		InstallmentCount:     s.installments,
		Payments:             s.ledger.Entries(),
		TotalPaid:            s.ledger.TotalPaid(),
		Calculations:         calc,
		CanConfirm:           canConfirm,
		SaleID:               s.progress.saleID,
		LastError:            s.lastError,
		ErrorKind:            s.lastKind,
		Failures:             append([]domain.StepFailure(nil), s.failures...),
		UpdatedAt:            s.updatedAt,
	}
	if s.sale != nil {
		sale := *s.sale
		v.Sale = &sale
	}
	return v
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
