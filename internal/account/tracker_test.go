package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

func accountUpdate(balance, available, margin float64) domain.AccountUpdate {
	return domain.AccountUpdate{Balance: balance, Available: available, Margin: margin}
}

type fixedPrices map[string]float64

func (p fixedPrices) LastPrice(symbol string) (float64, bool) {
	v, ok := p[symbol]
	return v, ok
}

func newTestTracker(t *testing.T, prices fixedPrices) *Tracker {
	t.Helper()
	bus := event.NewBus(event.Config{}, zap.NewNop())
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })
	if prices == nil {
		prices = fixedPrices{}
	}
	return NewTracker(bus, prices, nil, zap.NewNop())
}

func openTrade(strategy, symbol string, dir model.Direction, price float64, volume int) model.Trade {
	return model.Trade{
		TradeID:    symbol + "-" + time.Now().Format("150405.000000"),
		StrategyID: strategy,
		Symbol:     symbol,
		Direction:  dir,
		Offset:     model.OffsetOpen,
		Price:      price,
		Volume:     volume,
		Timestamp:  time.Now(),
	}
}

func closeTrade(strategy, symbol string, dir model.Direction, price float64, volume int) model.Trade {
	tr := openTrade(strategy, symbol, dir, price, volume)
	tr.Offset = model.OffsetClose
	return tr
}

func TestOpenPositionAvgPrice(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 2))
	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3520, 2))

	pos, ok := tr.Position("s1", "rb2510", model.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, 4, pos.Volume)
	assert.Equal(t, 3510.0, pos.AvgPrice)
}

func TestCloseLongFIFORealized(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 2))
	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3520, 2))

	// 平 3 手：先吃掉 3500 的 2 手，再吃 3520 的 1 手
	tr.OnTrade(closeTrade("s1", "rb2510", model.DirectionShort, 3530, 3))

	pos, ok := tr.Position("s1", "rb2510", model.DirectionLong)
	require.True(t, ok)
	assert.Equal(t, 1, pos.Volume)
	assert.Equal(t, 3520.0, pos.AvgPrice)
	// (3530-3500)*2 + (3530-3520)*1 = 70
	assert.InDelta(t, 70.0, pos.RealizedPnl, 1e-9)
}

func TestCloseShortRealized(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "ag2512", model.DirectionShort, 8000, 3))
	tr.OnTrade(closeTrade("s1", "ag2512", model.DirectionLong, 7950, 3))

	pos, ok := tr.Position("s1", "ag2512", model.DirectionShort)
	require.True(t, ok)
	assert.Zero(t, pos.Volume)
	// 空头下跌赚钱：(8000-7950)*3 = 150
	assert.InDelta(t, 150.0, pos.RealizedPnl, 1e-9)
}

func TestUnrealizedLazyFromLastPrice(t *testing.T) {
	prices := fixedPrices{"rb2510": 3550}
	tr := newTestTracker(t, prices)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 2))

	pos, ok := tr.Position("s1", "rb2510", model.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 100.0, pos.UnrealizedPnl, 1e-9)

	prices["rb2510"] = 3480
	pos, _ = tr.Position("s1", "rb2510", model.DirectionLong)
	assert.InDelta(t, -40.0, pos.UnrealizedPnl, 1e-9)
}

func TestOvercloseIgnoresExcess(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 1))
	tr.OnTrade(closeTrade("s1", "rb2510", model.DirectionShort, 3510, 5))

	pos, ok := tr.Position("s1", "rb2510", model.DirectionLong)
	require.True(t, ok)
	assert.Zero(t, pos.Volume)
	// 只结算实际持有的 1 手
	assert.InDelta(t, 10.0, pos.RealizedPnl, 1e-9)
}

func TestPositionsIsolatedPerStrategy(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 1))
	tr.OnTrade(openTrade("s2", "rb2510", model.DirectionLong, 3500, 2))

	p1 := tr.Positions("s1")
	require.Len(t, p1, 1)
	assert.Equal(t, 1, p1[0].Volume)

	p2 := tr.Positions("s2")
	require.Len(t, p2, 1)
	assert.Equal(t, 2, p2[0].Volume)
}

func TestNetVolume(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 5))
	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionShort, 3500, 2))

	assert.Equal(t, 3, tr.NetVolume("s1", "rb2510"))
}

func TestRealizedToday(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 2))
	tr.OnTrade(closeTrade("s1", "rb2510", model.DirectionShort, 3480, 2))

	assert.InDelta(t, -40.0, tr.RealizedToday("s1"), 1e-9)
	assert.Zero(t, tr.RealizedToday("s2"))
}

func TestSummaryAggregates(t *testing.T) {
	prices := fixedPrices{"rb2510": 3510}
	tr := newTestTracker(t, prices)

	tr.OnAccountUpdate(accountUpdate(100000, 80000, 20000))
	tr.OnTrade(openTrade("s1", "rb2510", model.DirectionLong, 3500, 1))
	tr.OnTrade(openTrade("s2", "rb2510", model.DirectionLong, 3500, 1))

	sum := tr.Summary()
	assert.Equal(t, 100000.0, sum.Balance)
	assert.Equal(t, 2, sum.PositionCount)
	assert.InDelta(t, 20.0, sum.UnrealizedPnl, 1e-9)
}
