package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// BotTag returns the short prefix stamped onto every client order id this
// bot places, so reconciliation can recognize which open exchange orders
// belong to it without consulting the local store.
func BotTag(botID string) string {
	if len(botID) > 8 {
		return botID[:8]
	}
	return botID
}

// NewClientOrderID builds a clientOrderId of the form
// "<botTag>-<unixMilli>-<side[0]>-<rand>", matching spec.md §4's
// reconciliation-friendly format.
func NewClientOrderID(botID string, side OrderSide) string {
	sideChar := "b"
	if side == SideSell {
		sideChar = "s"
	}
	return fmt.Sprintf("%s-%d-%s-%s", BotTag(botID), time.Now().UnixMilli(), sideChar, randSuffix(4))
}

func randSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}
