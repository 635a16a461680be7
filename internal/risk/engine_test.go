package risk

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

type stubPositions struct {
	net      map[string]int // symbol -> 净持仓
	realized float64
}

func (s stubPositions) NetVolume(strategyID, symbol string) int { return s.net[symbol] }
func (s stubPositions) RealizedToday(strategyID string) float64 { return s.realized }

type stubOrders struct{ active int }

func (s stubOrders) ActiveCount(strategyID string) int { return s.active }

type stubPrices map[string]float64

func (s stubPrices) LastPrice(symbol string) (float64, bool) {
	v, ok := s[symbol]
	return v, ok
}

func newTestEngine(t *testing.T, cfg Config, pos stubPositions, ord stubOrders, prices stubPrices) (*Engine, *event.Bus) {
	t.Helper()
	bus := event.NewBus(event.Config{}, zap.NewNop())
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })
	return NewEngine(cfg, bus, pos, ord, prices, zap.NewNop()), bus
}

func limitOrder(volume int, price float64) model.OrderRequest {
	return model.OrderRequest{
		Symbol:    "rb2510",
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		Type:      model.OrderTypeLimit,
		Price:     price,
		Volume:    volume,
	}
}

func TestMaxOrderVolumeRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxOrderVolume: 10}, stubPositions{}, stubOrders{}, nil)

	err := e.CheckOrder("s1", limitOrder(20, 3500))
	require.Error(t, err)

	var rej *domain.RiskRejectedError
	require.True(t, errors.As(err, &rej))
	require.Len(t, rej.Reasons, 1)
	assert.Contains(t, rej.Reasons[0], "max_order_size")
}

func TestApprovedWithinLimits(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxOrderVolume: 10}, stubPositions{}, stubOrders{}, nil)
	assert.NoError(t, e.CheckOrder("s1", limitOrder(10, 3500)))
}

func TestAllReasonsCollected(t *testing.T) {
	cfg := Config{MaxOrderVolume: 10, MaxPositionVolume: 5, MaxActiveOrders: 3}
	e, _ := newTestEngine(t, cfg, stubPositions{net: map[string]int{"rb2510": 4}}, stubOrders{active: 3}, nil)

	err := e.CheckOrder("s1", limitOrder(20, 3500))
	var rej *domain.RiskRejectedError
	require.True(t, errors.As(err, &rej))

	// 不短路：三条规则全部给出原因
	require.Len(t, rej.Reasons, 3)
	joined := strings.Join(rej.Reasons, "|")
	assert.Contains(t, joined, "max_order_size")
	assert.Contains(t, joined, "max_position_size")
	assert.Contains(t, joined, "max_active_orders")
}

func TestMaxPositionAllowsClose(t *testing.T) {
	cfg := Config{MaxPositionVolume: 5}
	e, _ := newTestEngine(t, cfg, stubPositions{net: map[string]int{"rb2510": 5}}, stubOrders{}, nil)

	req := limitOrder(3, 3500)
	req.Offset = model.OffsetClose
	req.Direction = model.DirectionShort
	assert.NoError(t, e.CheckOrder("s1", req))
}

func TestMaxDailyLossBlocksOpensOnly(t *testing.T) {
	cfg := Config{MaxDailyLoss: 1000}
	e, _ := newTestEngine(t, cfg, stubPositions{realized: -1500}, stubOrders{}, nil)

	err := e.CheckOrder("s1", limitOrder(1, 3500))
	require.Error(t, err)

	closeReq := limitOrder(1, 3500)
	closeReq.Offset = model.OffsetClose
	assert.NoError(t, e.CheckOrder("s1", closeReq))
}

func TestOrderRatePerSecond(t *testing.T) {
	cfg := Config{MaxOrdersPerSec: 2}
	e, _ := newTestEngine(t, cfg, stubPositions{}, stubOrders{}, nil)

	require.NoError(t, e.CheckOrder("s1", limitOrder(1, 3500)))
	require.NoError(t, e.CheckOrder("s1", limitOrder(1, 3500)))

	err := e.CheckOrder("s1", limitOrder(1, 3500))
	var rej *domain.RiskRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Contains(t, rej.Reasons[0], "max_order_rate")

	// 频率限制按策略隔离
	assert.NoError(t, e.CheckOrder("s2", limitOrder(1, 3500)))
}

func TestRejectionDoesNotConsumeRate(t *testing.T) {
	cfg := Config{MaxOrderVolume: 10, MaxOrdersPerSec: 1}
	e, _ := newTestEngine(t, cfg, stubPositions{}, stubOrders{}, nil)

	// 被拒的单不占频率额度
	require.Error(t, e.CheckOrder("s1", limitOrder(20, 3500)))
	assert.NoError(t, e.CheckOrder("s1", limitOrder(1, 3500)))
}

func TestPriceDeviation(t *testing.T) {
	cfg := Config{MaxPriceDeviation: 0.05}
	e, _ := newTestEngine(t, cfg, stubPositions{}, stubOrders{}, stubPrices{"rb2510": 3500})

	assert.NoError(t, e.CheckOrder("s1", limitOrder(1, 3550)))

	err := e.CheckOrder("s1", limitOrder(1, 4000))
	var rej *domain.RiskRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Contains(t, rej.Reasons[0], "max_price_deviation")

	// 无行情时放行
	req := limitOrder(1, 9999)
	req.Symbol = "unknown"
	assert.NoError(t, e.CheckOrder("s1", req))
}

func TestZeroVolumeRejected(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxOrderVolume: 10}, stubPositions{}, stubOrders{}, nil)
	assert.Error(t, e.CheckOrder("s1", limitOrder(0, 3500)))
}

func TestRejectionPublishesEvent(t *testing.T) {
	e, bus := newTestEngine(t, Config{MaxOrderVolume: 10}, stubPositions{}, stubOrders{}, nil)

	var got *Rejection
	bus.Subscribe(constants.EventRiskRejected, func(ev event.Event) {
		r := ev.Data.(Rejection)
		got = &r
	})

	require.Error(t, e.CheckOrder("s1", limitOrder(20, 3500)))
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.StrategyID)
	assert.NotEmpty(t, got.Reasons)
}
