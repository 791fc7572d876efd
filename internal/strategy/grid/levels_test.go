package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridbot/internal/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlanInitialLevels_ComputesSymmetricLadder(t *testing.T) {
	filters := core.SymbolFilters{TickSize: d("0.01"), StepSize: d("0.001")}
	levels := planInitialLevels(d("100"), 2, d("1"), d("50"), filters)

	assert.Len(t, levels, 4)
	assert.Equal(t, core.SideBuy, levels[0].Side)
	assert.True(t, levels[0].Price.Equal(d("99")))
	assert.Equal(t, core.SideSell, levels[1].Side)
	assert.True(t, levels[1].Price.Equal(d("101")))
	assert.Equal(t, core.SideBuy, levels[2].Side)
	assert.True(t, levels[2].Price.Equal(d("98")))
	assert.True(t, levels[0].Qty.Equal(d("0.5")))
}

func TestCounterPrice_StepsAwayFromFill(t *testing.T) {
	tick := d("0.01")
	assert.True(t, counterPrice(core.SideBuy, d("99"), d("1"), tick).Equal(d("100")))
	assert.True(t, counterPrice(core.SideSell, d("101"), d("1"), tick).Equal(d("100")))
}

func TestMatchUnmatchedBuy_FIFOTieBreaksAmongPriceMatches(t *testing.T) {
	tick := d("0.01")
	buys := []unmatchedBuy{{Price: d("99.001")}, {Price: d("99.002")}}
	match, rest, ok := matchUnmatchedBuy(buys, d("99"), tick)
	assert.True(t, ok)
	assert.True(t, match.Price.Equal(d("99.001")))
	assert.Len(t, rest, 1)
	assert.True(t, rest[0].Price.Equal(d("99.002")))
}

func TestMatchUnmatchedBuy_RejectsOutOfToleranceEvenIfOldest(t *testing.T) {
	tick := d("0.01")
	buys := []unmatchedBuy{{Price: d("95")}, {Price: d("99.002")}}
	match, rest, ok := matchUnmatchedBuy(buys, d("99"), tick)
	assert.True(t, ok)
	assert.True(t, match.Price.Equal(d("99.002")))
	assert.Len(t, rest, 1)
	assert.True(t, rest[0].Price.Equal(d("95")))
}

func TestMatchUnmatchedBuy_NoMatchWithinTolerance(t *testing.T) {
	tick := d("0.01")
	buys := []unmatchedBuy{{Price: d("95")}, {Price: d("110")}}
	_, rest, ok := matchUnmatchedBuy(buys, d("99"), tick)
	assert.False(t, ok)
	assert.Equal(t, buys, rest)
}
