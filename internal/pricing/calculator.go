// Package pricing turns a cart and its discount inputs into an itemized total.
// Every function here is pure and safe to call concurrently.
package pricing

import (
	"github.com/shopspring/decimal"

	"celupos/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type Input struct {
	Items                 []domain.CartItem
	DiscountPercent       decimal.Decimal
	IsWholesale           bool
	WholesaleDiscountRate decimal.Decimal
	LinkedRepairCost      *decimal.Decimal
	Tax                   domain.TaxConfig
	AmountTendered        decimal.Decimal
}

// Round2 rounds to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampPercent forces p into [0, 100].
func ClampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// AppliedUnitPrice is the per-unit price charged for item.
func AppliedUnitPrice(item domain.CartItem, isWholesale bool, wholesaleDiscountRate decimal.Decimal) decimal.Decimal {
	list := nonNegative(item.UnitPrice)
	if !isWholesale {
		return list
	}
	if item.WholesaleUnitPrice != nil {
		return nonNegative(*item.WholesaleUnitPrice)
	}
	rate := ClampPercent(wholesaleDiscountRate)
	return Round2(list.Mul(hundred.Sub(rate)).Div(hundred))
}

// Compute produces the full breakdown for a cart. Out-of-range input is
// normalized rather than rejected.
func Compute(in Input) domain.CartCalculations {
	subtotal := decimal.Zero
	listTotal := decimal.Zero
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			continue
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal = subtotal.Add(AppliedUnitPrice(item, in.IsWholesale, in.WholesaleDiscountRate).Mul(qty))
		listTotal = listTotal.Add(nonNegative(item.UnitPrice).Mul(qty))
	}
	subtotal = Round2(subtotal)

	calc := domain.CartCalculations{
		Subtotal:                subtotal,
		WholesaleDiscountAmount: decimal.Zero,
		WholesaleDiscountRate:   decimal.Zero,
	}
	if in.IsWholesale {
		calc.WholesaleDiscountRate = ClampPercent(in.WholesaleDiscountRate)
		calc.WholesaleDiscountAmount = nonNegative(Round2(listTotal).Sub(subtotal))
	}

	calc.GeneralDiscountAmount = Round2(subtotal.Mul(ClampPercent(in.DiscountPercent)).Div(hundred))
	calc.SubtotalAfterDiscounts = subtotal.Sub(calc.GeneralDiscountAmount)
	calc.Tax = taxOn(calc.SubtotalAfterDiscounts, in.Tax)

	total := calc.SubtotalAfterDiscounts
	if !in.Tax.PricesIncludeTax {
		total = total.Add(calc.Tax)
	}

	if in.LinkedRepairCost != nil {
		repairSubtotal := Round2(nonNegative(*in.LinkedRepairCost))
		repairTax := taxOn(repairSubtotal, in.Tax)
		withTax := repairSubtotal
		if !in.Tax.PricesIncludeTax {
			withTax = withTax.Add(repairTax)
		}
		calc.RepairSubtotal = &repairSubtotal
		calc.RepairTax = &repairTax
		calc.RepairCostWithTax = &withTax
		total = total.Add(withTax)
	}

	tendered := nonNegative(in.AmountTendered)
	calc.Total = total
	calc.AmountTendered = tendered
	calc.Change = nonNegative(tendered.Sub(total))
	calc.Remaining = Round2(nonNegative(total.Sub(tendered)))
	return calc
}

func taxOn(amount decimal.Decimal, cfg domain.TaxConfig) decimal.Decimal {
	rate := nonNegative(cfg.Rate)
	if rate.IsZero() || !amount.IsPositive() {
		return decimal.Zero
	}
	if cfg.PricesIncludeTax {
		return Round2(amount.Sub(amount.Div(one.Add(rate))))
	}
	return Round2(amount.Mul(rate))
}

type RepairCost struct {
	ID   string
	Cost decimal.Decimal
}

// AllocateRepairCost splits total across repairs in proportion to their cost.
// When every cost is zero the split is even. The last repair takes the
// rounding residue so the shares always add up to total.
func AllocateRepairCost(total decimal.Decimal, repairs []RepairCost) map[string]decimal.Decimal {
	shares := make(map[string]decimal.Decimal, len(repairs))
	if len(repairs) == 0 {
		return shares
	}

	weights := make([]decimal.Decimal, len(repairs))
	sum := decimal.Zero
	for i, r := range repairs {
		weights[i] = nonNegative(r.Cost)
		sum = sum.Add(weights[i])
	}
	if sum.IsZero() {
		for i := range weights {
			weights[i] = one
		}
		sum = decimal.NewFromInt(int64(len(weights)))
	}

	allocated := decimal.Zero
	for i, r := range repairs {
		if i == len(repairs)-1 {
			shares[r.ID] = total.Sub(allocated)
			break
		}
		share := Round2(total.Mul(weights[i]).Div(sum))
		shares[r.ID] = share
		allocated = allocated.Add(share)
	}
	return shares
}
