package bus

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"gridbot/internal/core"
	"gridbot/internal/logging"
)

func newTestBus(t *testing.T) *Bus {
	l, err := logging.NewZapLogger("ERROR")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return New(l)
}

func TestBus_PublishDeliversToKindOnly(t *testing.T) {
	b := newTestBus(t)

	var orderCount, marketCount int64
	b.Subscribe(core.EventOrder, func(payload any) { atomic.AddInt64(&orderCount, 1) })
	b.Subscribe(core.EventMarket, func(payload any) { atomic.AddInt64(&marketCount, 1) })

	b.Publish(core.EventOrder, core.OrderEvent{Symbol: "BTCUSDT"})

	assert.EqualValues(t, 1, atomic.LoadInt64(&orderCount))
	assert.EqualValues(t, 0, atomic.LoadInt64(&marketCount))
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var count int64
	unsub := b.Subscribe(core.EventBot, func(payload any) { atomic.AddInt64(&count, 1) })

	b.Publish(core.EventBot, core.BotEvent{BotID: "1"})
	unsub()
	b.Publish(core.EventBot, core.BotEvent{BotID: "1"})

	assert.EqualValues(t, 1, atomic.LoadInt64(&count))
}

func TestBus_PanicInHandlerDoesNotStopOtherHandlers(t *testing.T) {
	b := newTestBus(t)

	var secondCalled int64
	b.Subscribe(core.EventBot, func(payload any) { panic("boom") })
	b.Subscribe(core.EventBot, func(payload any) { atomic.AddInt64(&secondCalled, 1) })

	assert.NotPanics(t, func() {
		b.Publish(core.EventBot, core.BotEvent{BotID: "1"})
	})
	assert.EqualValues(t, 1, atomic.LoadInt64(&secondCalled))
}
