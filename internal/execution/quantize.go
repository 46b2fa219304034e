package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"orderLifecycleBot/internal/domain"
	"orderLifecycleBot/internal/ports"
)

// FloorToStep rounds v down to a multiple of step. A zero step leaves v unchanged.
func FloorToStep(v, step float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s)
}

// RoundToTick rounds v to the nearest multiple of tick.
func RoundToTick(v, tick float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if tick <= 0 {
		return d
	}
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t)
}

// QuantizeQty fits qty to the symbol's LOT_SIZE and notional filters at price.
func QuantizeQty(qty, price float64, f domain.SymbolFilters) (decimal.Decimal, error) {
	d := FloorToStep(qty, f.StepSize)
	if f.MaxQty > 0 && d.GreaterThan(decimal.NewFromFloat(f.MaxQty)) {
		d = FloorToStep(f.MaxQty, f.StepSize)
	}
	if !d.IsPositive() {
		return d, fmt.Errorf("%w: quantity %v rounds to zero with step %v", ports.ErrFilterViolation, qty, f.StepSize)
	}
	if f.MinQty > 0 && d.LessThan(decimal.NewFromFloat(f.MinQty)) {
		return d, fmt.Errorf("%w: quantity %s below minimum %v", ports.ErrFilterViolation, d, f.MinQty)
	}
	if f.MinNotional > 0 && price > 0 {
		notional := d.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(decimal.NewFromFloat(f.MinNotional)) {
			return d, fmt.Errorf("%w: notional %s below minimum %v", ports.ErrFilterViolation, notional.StringFixed(2), f.MinNotional)
		}
	}
	return d, nil
}

// FormatPrice rounds price to the tick size and renders it for an order.
func FormatPrice(price float64, f domain.SymbolFilters) string {
	return RoundToTick(price, f.TickSize).String()
}
