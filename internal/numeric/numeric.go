// Package numeric provides the fixed-precision price/quantity helpers used
// throughout the engine. Every price or quantity field in this system is a
// decimal.Decimal; float64 never appears on a money path (spec.md §4.8).
//
// Grounded on the teacher's pkg/tradingutils rounding helpers, but changed
// from round-half-up to floor-to-increment: an order price or quantity must
// never be rounded UP past what the exchange's tick/step size allows, or the
// order is rejected as NOTIONAL/LOT_SIZE invalid.
package numeric

import "github.com/shopspring/decimal"

// Precision returns the number of fractional digits implied by an
// increment like 0.01 or 0.0001, derived from its decimal exponent rather
// than from counting characters in a formatted string.
func Precision(increment decimal.Decimal) int32 {
	exp := increment.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// FloorTick floors price down to the nearest multiple of tickSize and
// reformats it through StringFixed at the implied precision, which kills
// the binary floating-point drift a plain Div/Mul round-trip can leave
// behind (e.g. 0.1 + 0.2 artifacts re-entering the system as 0.30000000004).
func FloorTick(price, tickSize decimal.Decimal) decimal.Decimal {
	return floorToIncrement(price, tickSize)
}

// FloorStep floors a quantity down to the nearest multiple of stepSize.
// Same arithmetic as FloorTick; kept as a distinct name so call sites read
// as "price vs tick" or "quantity vs step" rather than both saying "tick".
func FloorStep(qty, stepSize decimal.Decimal) decimal.Decimal {
	return floorToIncrement(qty, stepSize)
}

func floorToIncrement(v, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return v
	}
	multiples := v.Div(increment).Floor()
	floored := multiples.Mul(increment)
	prec := Precision(increment)
	fixed, err := decimal.NewFromString(floored.StringFixed(prec))
	if err != nil {
		return floored
	}
	return fixed
}
