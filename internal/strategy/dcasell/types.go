// Package dcasell implements the DCA-Sell runner (C11): the mirror of
// dcabuy with sides swapped -- a ladder of SELL orders above the entry
// price, averaged into a single buy-back BUY.
package dcasell

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// filledSell is one SELL fill folded into the running average.
type filledSell struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// buyBackOrder is the single maintained buy-back BUY.
type buyBackOrder struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// openSellOrder is a ladder sell still resting on the book.
type openSellOrder struct {
	OrderID int64           `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

type state struct {
	FilledSells []filledSell  `json:"filledSells"`
	OpenSells   []openSellOrder `json:"openSells"`
	BuyBack     *buyBackOrder `json:"buyBack,omitempty"`
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

// averages recomputes {avg, totalQty, totalValue} from FilledSells.
func (s *state) averages() (avg, totalQty, totalValue decimal.Decimal) {
	totalQty = decimal.Zero
	totalValue = decimal.Zero
	for _, sell := range s.FilledSells {
		totalQty = totalQty.Add(sell.Qty)
		totalValue = totalValue.Add(sell.Price.Mul(sell.Qty))
	}
	if totalQty.IsZero() {
		return decimal.Zero, totalQty, totalValue
	}
	return totalValue.Div(totalQty), totalQty, totalValue
}

func (s *state) hasFilledSell(orderID int64) bool {
	for _, sell := range s.FilledSells {
		if sell.OrderID == orderID {
			return true
		}
	}
	return false
}
