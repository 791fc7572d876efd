// Package dcabuy implements the DCA-Buy runner (C10): a ladder of BUY
// orders below the entry price, averaged into a single take-profit SELL
// that is cancelled and re-placed whenever the average or accumulated
// quantity moves.
package dcabuy

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// filledBuy is one BUY fill folded into the running average, keyed by
// orderId so a duplicate delivery of the same fill event is a no-op.
type filledBuy struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// takeProfitOrder is the single maintained TP sell.
type takeProfitOrder struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

type state struct {
	FilledBuys []filledBuy      `json:"filledBuys"`
	OpenBuys   []openBuyOrder   `json:"openBuys"`
	TakeProfit *takeProfitOrder `json:"takeProfit,omitempty"`
}

// openBuyOrder is a ladder buy still resting on the book.
type openBuyOrder struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
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

// averages recomputes {avg, totalQty, totalValue} from FilledBuys, per
// spec.md §4.6.
func (s *state) averages() (avg, totalQty, totalValue decimal.Decimal) {
	totalQty = decimal.Zero
	totalValue = decimal.Zero
	for _, b := range s.FilledBuys {
		totalQty = totalQty.Add(b.Qty)
		totalValue = totalValue.Add(b.Price.Mul(b.Qty))
	}
	if totalQty.IsZero() {
		return decimal.Zero, totalQty, totalValue
	}
	return totalValue.Div(totalQty), totalQty, totalValue
}

func (s *state) hasFilledBuy(orderID int64) bool {
	for _, b := range s.FilledBuys {
		if b.OrderID == orderID {
			return true
		}
	}
	return false
}
