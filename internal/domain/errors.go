package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStockConflict      = errors.New("stock changed, please refresh")
	ErrBackendUnavailable = errors.New("backend unavailable, please retry")
	ErrRegisterClosed     = errors.New("register must be open")
	ErrAlreadyExists      = errors.New("already exists")
)

type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindInsufficientCredit ErrorKind = "insufficient_credit"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindNotFound           ErrorKind = "not_found"
	KindStockConflict      ErrorKind = "stock_conflict"
	KindPartialFailure     ErrorKind = "partial_failure"
	KindInternal           ErrorKind = "internal"
)

// ValidationError reports bad input. It never indicates a system failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type InsufficientCreditError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: requested %s, available %s, short by %s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

// Follow-up steps run after a sale is stored.
const (
	StepStockExit  = "stock_exit"
	StepRepair     = "repair"
	StepCreditSale = "credit_sale"
)

// StepFailure is one side effect that did not complete after the sale was stored.
type StepFailure struct {
	Step   string `json:"step"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error"`
}

// PartialFailureError means the sale record exists but some follow-up
// effects failed and need manual reconciliation.
type PartialFailureError struct {
	SaleID string
	Steps  []StepFailure
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, step := range e.Steps {
		if step.Target != "" {
			parts = append(parts, fmt.Sprintf("%s %s: %s", step.Step, step.Target, step.Error))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", step.Step, step.Error))
	}
	return fmt.Sprintf("sale %s saved but needs manual reconciliation: %s", e.SaleID, strings.Join(parts, "; "))
}

// Unavailable wraps err so it classifies as retryable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// KindOf classifies err into one of the error kinds.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var validation *ValidationError
	var credit *InsufficientCreditError
	var partial *PartialFailureError
	switch {
	case errors.As(err, &partial):
		return KindPartialFailure
	case errors.As(err, &validation), errors.Is(err, ErrRegisterClosed), errors.Is(err, ErrAlreadyExists):
		return KindValidation
	case errors.As(err, &credit):
		return KindInsufficientCredit
	case errors.Is(err, ErrStockConflict):
		return KindStockConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case IsRetryable(err):
		return KindBackendUnavailable
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
