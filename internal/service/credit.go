package service

import (
	"context"

	"celupos/internal/domain"
)

func (s *Service) CreditSummary(ctx context.Context, customerID string) (domain.CreditSummary, error) {
	return s.credit.Summary(ctx, customerID)
}

// CreditCheck evaluates a prospective charge. It never reserves credit.
func (s *Service) CreditCheck(ctx context.Context, customerID string, req domain.CreditCheckRequest) (domain.CreditCheck, error) {
	if !req.Amount.IsPositive() {
		return domain.CreditCheck{}, domain.Invalid("amount", "must be greater than zero")
	}
	return s.credit.Check(ctx, customerID, req.Amount.Round(2))
}

func (s *Service) ListInstallments(ctx context.Context, customerID string) ([]domain.Installment, error) {
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListInstallments(ctx, customerID)
}

func (s *Service) PayInstallment(ctx context.Context, installmentID string) (domain.Installment, error) {
	inst, err := s.credit.PayInstallment(ctx, installmentID)
	if err != nil {
		return domain.Installment{}, err
	}
	s.logAudit(ctx, "credit.installment_paid", "installment", inst.ID, "amount="+inst.Amount.StringFixed(2))
	return *inst, nil
}
