// Package grid implements the grid runner (C9): a ladder of post-only
// limit orders around a center price, each fill immediately countered by
// an order on the opposite side one grid step away (above a filled buy,
// below a filled sell).
//
// Split into a pure calculation half (this file and levels.go, "given the
// current price and config, what orders should exist") and an imperative
// runner half (runner.go, "place/cancel through the gateway, mutate state,
// persist") -- the one structural idea from the teacher's
// internal/trading/grid/strategy.go worth keeping here, though the trigger
// is reworked from recompute-on-every-tick to counter-order-on-fill.
package grid

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// openOrder is the runner's bookkeeping for one order it has placed and
// not yet seen filled or cancelled.
type openOrder struct {
	OrderID int64           `json:"orderId"`
	Side    core.OrderSide  `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// unmatchedBuy is a filled buy waiting for a sell to net its round-trip
// P&L against, FIFO (DESIGN.md's open-question resolution).
type unmatchedBuy struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// state is the runner's own bookkeeping, round-tripped through
// core.Runner's MarshalState/UnmarshalState so a restart resumes with its
// open-order ledger intact rather than only the bot's stats.
type state struct {
	InitialStartPrice *decimal.Decimal `json:"initialStartPrice,omitempty"`
	Orders            []openOrder      `json:"orders"`
	UnmatchedBuys     []unmatchedBuy   `json:"unmatchedBuys"`
}

func (s *state) marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

func (s *state) unmarshal(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, s)
}
