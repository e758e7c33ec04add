// Package payment tracks partial payments against a sale total.
package payment

import (
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/pricing"
)

// ConfirmTolerance is the leftover balance still treated as fully paid.
var ConfirmTolerance = decimal.New(1, -2)

// Ledger is owned by a single checkout session and is not safe for
// concurrent use on its own.
type Ledger struct {
	total   decimal.Decimal
	entries []domain.PaymentSplitEntry
	newID   func() string
}

func NewLedger(total decimal.Decimal) *Ledger {
	return &Ledger{total: total, newID: uuid.NewString}
}

func (l *Ledger) Total() decimal.Decimal {
	return l.total
}

// SetTotal retargets the ledger after the cart changed. Existing entries
// are kept even if they now exceed the total; CanConfirm and Remaining
// reflect the new target.
func (l *Ledger) SetTotal(total decimal.Decimal) {
	l.total = total
}

// AddSplit appends a payment. On error the ledger is unchanged.
func (l *Ledger) AddSplit(method domain.PaymentMethod, amount decimal.Decimal, reference string) (string, error) {
	if !method.Valid() {
		return "", domain.Invalid("method", "unsupported payment method %q", method)
	}
	if !amount.IsPositive() {
		return "", domain.Invalid("amount", "must be greater than zero")
	}
	if remaining := l.Remaining(); amount.GreaterThan(remaining) {
		return "", domain.Invalid("amount", "%s exceeds remaining balance %s", amount.StringFixed(2), remaining.StringFixed(2))
	}

	entry := domain.PaymentSplitEntry{Method: method, Amount: amount}
	reference = strings.TrimSpace(reference)
	switch method {
	case domain.PaymentCard:
		if len(reference) != 4 || !isDigits(reference) {
			return "", domain.Invalid("reference", "card payments need the last 4 digits")
		}
		entry.CardLast4 = reference
	case domain.PaymentTransfer:
		if reference == "" {
			return "", domain.Invalid("reference", "transfer reference is required")
		}
		entry.Reference = reference
	default:
		entry.Reference = reference
	}

	entry.ID = l.newID()
	l.entries = append(l.entries, entry)
	return entry.ID, nil
}

// RemoveSplit drops the entry with id. Unknown ids are ignored.
func (l *Ledger) RemoveSplit(id string) {
	l.entries = slices.DeleteFunc(l.entries, func(e domain.PaymentSplitEntry) bool {
		return e.ID == id
	})
}

func (l *Ledger) TotalPaid() decimal.Decimal {
	paid := decimal.Zero
	for _, e := range l.entries {
		paid = paid.Add(e.Amount)
	}
	return paid
}

func (l *Ledger) Remaining() decimal.Decimal {
	rest := l.total.Sub(l.TotalPaid())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return pricing.Round2(rest)
}

// PaidBy sums the entries paid with method.
func (l *Ledger) PaidBy(method domain.PaymentMethod) decimal.Decimal {
	paid := decimal.Zero
	for _, e := range l.entries {
		if e.Method == method {
			paid = paid.Add(e.Amount)
		}
	}
	return paid
}

// CanConfirm reports whether the entries settle the total. Entries that
// overshoot a total lowered after they were added never confirm.
func (l *Ledger) CanConfirm() bool {
	return l.Remaining().LessThanOrEqual(ConfirmTolerance) && !l.TotalPaid().GreaterThan(l.total)
}

func (l *Ledger) Entries() []domain.PaymentSplitEntry {
	return slices.Clone(l.entries)
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

func (l *Ledger) Reset() {
	l.entries = nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
