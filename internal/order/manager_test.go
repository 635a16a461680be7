package order

import (
	"context"
	"errors"
	"sync"
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

// scriptedGateway 可编程的网关桩
type scriptedGateway struct {
	mu          sync.Mutex
	sendErr     error
	cancelErr   error
	sent        []model.Order
	cancelled   []string
	queryResult []domain.OrderUpdate
}

func (g *scriptedGateway) Connect(ctx context.Context) error  { return nil }
func (g *scriptedGateway) Close() error                       { return nil }
func (g *scriptedGateway) Subscribe(symbols []string) error   { return nil }
func (g *scriptedGateway) Unsubscribe(symbols []string) error { return nil }
func (g *scriptedGateway) SendOrder(order model.Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, order)
	return nil
}
func (g *scriptedGateway) CancelOrder(orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID)
	return nil
}
func (g *scriptedGateway) QueryOrders() ([]domain.OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queryResult, nil
}
func (g *scriptedGateway) SetCallbacks(cb domain.GatewayCallbacks) {}

func newTestManager(t *testing.T, gw *scriptedGateway, ackTimeout time.Duration) (*Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus(event.Config{}, zap.NewNop())
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })
	return NewManager(Config{AckTimeout: ackTimeout}, bus, gw, nil, zap.NewNop()), bus
}

func testRequest(volume int) model.OrderRequest {
	return model.OrderRequest{
		Symbol:    "rb2510",
		Exchange:  "SHFE",
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		Type:      model.OrderTypeLimit,
		Price:     3500,
		Volume:    volume,
	}
}

func TestPlaceOrderPendingUntilAck(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o, err := m.PlaceOrder("s1", testRequest(5))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, o.Status)
	assert.Equal(t, "s1", o.StrategyID)

	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})

	got, ok := m.Get(o.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusSubmitted, got.Status)
}

func TestPlaceOrderSyncRejection(t *testing.T) {
	gw := &scriptedGateway{sendErr: errors.New("insufficient margin")}
	m, _ := newTestManager(t, gw, time.Minute)

	o, err := m.PlaceOrder("s1", testRequest(5))
	require.NoError(t, err)

	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusRejected, got.Status)
	assert.Equal(t, "insufficient margin", got.StatusMsg)
}

func TestAckTimeoutRejects(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, 30*time.Millisecond)

	o, err := m.PlaceOrder("s1", testRequest(5))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, _ := m.Get(o.OrderID)
		return got.Status == model.OrderStatusRejected
	}, time.Second, 5*time.Millisecond)

	got, _ := m.Get(o.OrderID)
	assert.Equal(t, "acknowledgment timeout", got.StatusMsg)
}

func TestAckStopsTimeout(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, 30*time.Millisecond)

	o, _ := m.PlaceOrder("s1", testRequest(5))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})

	time.Sleep(80 * time.Millisecond)
	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusSubmitted, got.Status)
}

func TestPartialFillsAccumulate(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o, _ := m.PlaceOrder("s1", testRequest(10))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})

	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 3})
	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 3, got.FilledVolume)

	m.OnTrade(model.Trade{TradeID: "t2", OrderID: o.OrderID, Price: 3510, Volume: 4})
	got, _ = m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 7, got.FilledVolume)

	m.OnTrade(model.Trade{TradeID: "t3", OrderID: o.OrderID, Price: 3505, Volume: 3})
	got, _ = m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.Equal(t, 10, got.FilledVolume)
	// (3500*3 + 3510*4 + 3505*3) / 10
	assert.InDelta(t, 3505.5, got.AvgFillPrice, 1e-9)
}

func TestDuplicateTradeIgnored(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o, _ := m.PlaceOrder("s1", testRequest(10))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})

	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 3})
	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 3})

	got, _ := m.Get(o.OrderID)
	assert.Equal(t, 3, got.FilledVolume)
}

func TestUpdateAfterTerminalIgnored(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o, _ := m.PlaceOrder("s1", testRequest(1))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})
	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 1})

	// 终态后的撤单回报属于协议异常，不改变状态
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusCancelled})

	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestCancelRules(t *testing.T) {
	gw := &scriptedGateway{}
	m, _ := newTestManager(t, gw, time.Minute)

	o, _ := m.PlaceOrder("s1", testRequest(5))

	// PENDING 不能撤
	err := m.CancelOrder(o.OrderID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})
	require.NoError(t, m.CancelOrder(o.OrderID))
	assert.Equal(t, []string{o.OrderID}, gw.cancelled)

	// 撤单不抢跑，等网关回报
	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusSubmitted, got.Status)

	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusCancelled})
	err = m.CancelOrder(o.OrderID)
	assert.True(t, errors.Is(err, domain.ErrOrderTerminal))
}

func TestCancelUnknownOrder(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)
	err := m.CancelOrder("nope")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestFillBeforeAckImpliesSubmitted(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o, _ := m.PlaceOrder("s1", testRequest(1))
	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 1})

	got, _ := m.Get(o.OrderID)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestActiveCountAndList(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, time.Minute)

	o1, _ := m.PlaceOrder("s1", testRequest(1))
	o2, _ := m.PlaceOrder("s1", testRequest(2))
	m.PlaceOrder("s2", testRequest(3))

	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o1.OrderID, Status: model.OrderStatusSubmitted})
	assert.Equal(t, 2, m.ActiveCount("s1"))

	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o2.OrderID, Status: model.OrderStatusSubmitted})
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o2.OrderID, Status: model.OrderStatusCancelled})
	assert.Equal(t, 1, m.ActiveCount("s1"))

	assert.Len(t, m.List("s1"), 2)
	assert.Len(t, m.List(""), 3)
}

func TestCancelStrategyOrders(t *testing.T) {
	gw := &scriptedGateway{}
	m, _ := newTestManager(t, gw, time.Minute)

	o1, _ := m.PlaceOrder("s1", testRequest(1))
	o2, _ := m.PlaceOrder("s1", testRequest(2))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o1.OrderID, Status: model.OrderStatusSubmitted})
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o2.OrderID, Status: model.OrderStatusSubmitted})

	assert.Equal(t, 2, m.CancelStrategyOrders("s1"))
	assert.Len(t, gw.cancelled, 2)
}

func TestReconcileCancelsLostOrders(t *testing.T) {
	gw := &scriptedGateway{}
	m, _ := newTestManager(t, gw, time.Minute)

	o1, _ := m.PlaceOrder("s1", testRequest(1))
	o2, _ := m.PlaceOrder("s1", testRequest(2))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o1.OrderID, Status: model.OrderStatusSubmitted})
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o2.OrderID, Status: model.OrderStatusSubmitted})

	// 网关只认得 o1
	gw.queryResult = []domain.OrderUpdate{{OrderID: o1.OrderID, Status: model.OrderStatusCancelled, Reason: "session lost"}}
	require.NoError(t, m.Reconcile())

	got1, _ := m.Get(o1.OrderID)
	assert.Equal(t, model.OrderStatusCancelled, got1.Status)

	got2, _ := m.Get(o2.OrderID)
	assert.Equal(t, model.OrderStatusCancelled, got2.Status)
	assert.Equal(t, "not found at gateway after reconnect", got2.StatusMsg)
}

func TestFilledEventPublished(t *testing.T) {
	m, bus := newTestManager(t, &scriptedGateway{}, time.Minute)

	var trades []model.Trade
	bus.Subscribe(constants.EventOrderFilled, func(ev event.Event) {
		trades = append(trades, ev.Data.(model.Trade))
	})

	o, _ := m.PlaceOrder("s1", testRequest(2))
	m.OnOrderUpdate(domain.OrderUpdate{OrderID: o.OrderID, Status: model.OrderStatusSubmitted})
	m.OnTrade(model.Trade{TradeID: "t1", OrderID: o.OrderID, Price: 3500, Volume: 2})

	require.Len(t, trades, 1)
	// 成交回报里补全了策略与合约维度
	assert.Equal(t, "s1", trades[0].StrategyID)
	assert.Equal(t, "rb2510", trades[0].Symbol)
	assert.Equal(t, model.DirectionLong, trades[0].Direction)
}
