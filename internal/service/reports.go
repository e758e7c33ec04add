package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"celupos/internal/domain"
	"celupos/internal/pricing"
)

const dateLayout = "2006-01-02"

func parseDay(date string, fallback time.Time) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, domain.Invalid("date", "must be formatted as YYYY-MM-DD")
	}
	return parsed.UTC(), nil
}

// DailyReport aggregates the sales of one UTC day. Amounts other than
// GrossSales exclude tax. Cost of goods uses the cost snapshot stored on
// each sale line.
func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DailyReport{}, err
	}
	from, err := parseDay(date, s.now())
	if err != nil {
		return domain.DailyReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		return domain.DailyReport{}, err
	}

	report := BuildDailyReport(sales, s.settings.Tax.PricesIncludeTax)
	report.Date = from.Format(dateLayout)
	return report, nil
}

// BuildDailyReport folds sales into report totals.
func BuildDailyReport(sales []domain.Sale, pricesIncludeTax bool) domain.DailyReport {
	report := domain.DailyReport{
		GrossSales:    decimal.Zero,
		Discounts:     decimal.Zero,
		Tax:           decimal.Zero,
		RepairRevenue: decimal.Zero,
		NetSales:      decimal.Zero,
		CostOfGoods:   decimal.Zero,
		GrossMargin:   decimal.Zero,
		ByPayment:     []domain.PaymentBreakdown{},
	}

	byMethod := map[domain.PaymentMethod]*domain.PaymentBreakdown{}
	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		report.Sales++
		report.GrossSales = report.GrossSales.Add(sale.Total)
		report.Discounts = report.Discounts.Add(sale.GeneralDiscount)
		report.Tax = report.Tax.Add(sale.Tax).Add(sale.RepairTax)

		repair := sale.RepairSubtotal
		if pricesIncludeTax {
			repair = repair.Sub(sale.RepairTax)
		}
		report.RepairRevenue = report.RepairRevenue.Add(repair)

		for _, item := range sale.Items {
			report.CostOfGoods = report.CostOfGoods.Add(item.UnitCost.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		counted := map[domain.PaymentMethod]bool{}
		add := func(method domain.PaymentMethod, amount decimal.Decimal) {
			entry, ok := byMethod[method]
			if !ok {
				entry = &domain.PaymentBreakdown{PaymentMethod: method, Total: decimal.Zero}
				byMethod[method] = entry
			}
			if !counted[method] {
				entry.Sales++
				counted[method] = true
			}
			entry.Total = entry.Total.Add(amount)
		}
		if len(sale.Payments) == 0 {
			add(sale.PaymentMethod, sale.Total)
			continue
		}
		for _, p := range sale.Payments {
			add(p.Method, p.Amount)
		}
	}

	report.NetSales = report.GrossSales.Sub(report.Tax)
	report.CostOfGoods = pricing.Round2(report.CostOfGoods)
	report.GrossMargin = report.NetSales.Sub(report.RepairRevenue).Sub(report.CostOfGoods)

	for _, entry := range byMethod {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	sort.Slice(report.ByPayment, func(i, j int) bool {
		return report.ByPayment[i].PaymentMethod < report.ByPayment[j].PaymentMethod
	})
	return report
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		day, err := parseDay(date, s.now())
		if err != nil {
			return nil, err
		}
		from = day
	}
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}
