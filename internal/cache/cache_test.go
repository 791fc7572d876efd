package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridbot/internal/core"
	"gridbot/internal/logging"
)

func newTestLogger(t *testing.T) *logging.ZapLogger {
	l, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return l
}

func TestCache_SetGetPrice(t *testing.T) {
	c := New(time.Minute, "", newTestLogger(t))

	_, ok := c.GetPrice("BTCUSDT")
	assert.False(t, ok)

	c.SetPrice("BTCUSDT", decimal.NewFromInt(50000))
	price, ok := c.GetPrice("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(50000)))
}

func TestCache_PriceExpires(t *testing.T) {
	c := New(10*time.Millisecond, "", newTestLogger(t))
	c.SetPrice("BTCUSDT", decimal.NewFromInt(1))

	time.Sleep(30 * time.Millisecond)
	_, ok := c.GetPrice("BTCUSDT")
	assert.False(t, ok)
}

func TestCache_SetGetBalance(t *testing.T) {
	c := New(time.Minute, "", newTestLogger(t))

	bal, ok := c.GetBalance("USDT")
	assert.False(t, ok)
	assert.Equal(t, decimal.Decimal{}, bal.Free)

	c.SetBalance("USDT", core.Balance{Free: decimal.NewFromInt(100), Locked: decimal.NewFromInt(5)})
	got, ok := c.GetBalance("USDT")
	assert.True(t, ok)
	assert.True(t, got.Free.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.Locked.Equal(decimal.NewFromInt(5)))
}
