// Package trading provides money arithmetic shared by the risk and decision
// engines. Values are computed in decimal and returned as float64.
package trading

import "github.com/shopspring/decimal"

var (
	decZero    = decimal.Zero
	decHundred = decimal.NewFromInt(100)
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Notional is amount * price.
func Notional(amount, price float64) float64 {
	return d(amount).Mul(d(price)).InexactFloat64()
}

// Fee is notional * rate.
func Fee(notional, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return d(notional).Mul(d(rate)).InexactFloat64()
}

// Units converts a quote value into base units at price.
func Units(value, price float64) float64 {
	if price <= 0 || value <= 0 {
		return 0
	}
	return d(value).Div(d(price)).InexactFloat64()
}

// Percent returns part/whole*100, zero when whole is not positive.
func Percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return d(part).Div(d(whole)).Mul(decHundred).InexactFloat64()
}

// CalcCloseAmount computes ratio of the current amount, capped at the
// current amount.
func CalcCloseAmount(currentAmount, ratio float64) float64 {
	if currentAmount <= 0 || ratio <= 0 {
		return 0
	}
	cur := d(currentAmount)
	amount := cur.Mul(d(ratio))
	if amount.GreaterThan(cur) {
		amount = cur
	}
	return amount.InexactFloat64()
}

// Reduce subtracts delta from amount, flooring at zero.
func Reduce(amount, delta float64) float64 {
	out := d(amount).Sub(d(delta))
	if out.LessThan(decZero) {
		return 0
	}
	return out.InexactFloat64()
}

// WeightedEntry returns the average entry after adding addAmount at addPrice.
func WeightedEntry(amount, entry, addAmount, addPrice float64) float64 {
	total := d(amount).Add(d(addAmount))
	if !total.GreaterThan(decZero) {
		return entry
	}
	cost := d(amount).Mul(d(entry)).Add(d(addAmount).Mul(d(addPrice)))
	return cost.Div(total).InexactFloat64()
}

// Min returns the smaller of a and b.
func Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
