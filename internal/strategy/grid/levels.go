package grid

import (
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/numeric"
)

// plannedLevel is one order the initial ladder wants placed.
type plannedLevel struct {
	Side  core.OrderSide
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// planInitialLevels computes the buy/sell ladder around center for
// i in [1, gridLevels], per spec.md §4.5: buyPrice_i = floor_tick(center -
// i*spread), sellPrice_i = floor_tick(center + i*spread), qty =
// floor_step(max(orderSize/center, stepSize)).
func planInitialLevels(center decimal.Decimal, gridLevels int, spread, orderSize decimal.Decimal, filters core.SymbolFilters) []plannedLevel {
	qty := numeric.FloorStep(decimal.Max(orderSize.Div(center), filters.StepSize), filters.StepSize)

	levels := make([]plannedLevel, 0, gridLevels*2)
	for i := 1; i <= gridLevels; i++ {
		step := spread.Mul(decimal.NewFromInt(int64(i)))
		buyPrice := numeric.FloorTick(center.Sub(step), filters.TickSize)
		sellPrice := numeric.FloorTick(center.Add(step), filters.TickSize)
		levels = append(levels,
			plannedLevel{Side: core.SideBuy, Price: buyPrice, Qty: qty},
			plannedLevel{Side: core.SideSell, Price: sellPrice, Qty: qty},
		)
	}
	return levels
}

// counterPrice returns where the opposite-side order belongs after a fill
// at filledPrice: one grid step above a filled buy, one grid step below a
// filled sell.
func counterPrice(filledSide core.OrderSide, filledPrice, spread decimal.Decimal, tickSize decimal.Decimal) decimal.Decimal {
	if filledSide == core.SideBuy {
		return numeric.FloorTick(filledPrice.Add(spread), tickSize)
	}
	return numeric.FloorTick(filledPrice.Sub(spread), tickSize)
}

// matchUnmatchedBuy finds the oldest unmatched buy within half a tick of
// sellPrice (|b.Price - sellPrice| < tickSize/2) and pops it. The runner
// passes the filled sell's counter-buy price here, i.e. the price one grid
// step below the sell at which its buy was filled. FIFO order is used
// only to break ties among candidates that pass the price filter --
// not as a substitute for it. Returns ok=false if no buy in the slice is
// within tolerance.
func matchUnmatchedBuy(buys []unmatchedBuy, sellPrice, tickSize decimal.Decimal) (match unmatchedBuy, rest []unmatchedBuy, ok bool) {
	half := tickSize.Div(decimal.NewFromInt(2))
	for i, b := range buys {
		if b.Price.Sub(sellPrice).Abs().LessThan(half) {
			rest = make([]unmatchedBuy, 0, len(buys)-1)
			rest = append(rest, buys[:i]...)
			rest = append(rest, buys[i+1:]...)
			return b, rest, true
		}
	}
	return unmatchedBuy{}, buys, false
}
