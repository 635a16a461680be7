package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

// Config 订单管理配置
type Config struct {
	AckTimeout time.Duration `mapstructure:"ack_timeout"` // 等待网关确认的超时
}

// managedOrder 订单及其运行时附属状态
type managedOrder struct {
	mu       sync.Mutex
	order    model.Order
	ackTimer *time.Timer
	seen     map[string]struct{} // 已消化的 tradeID，对账时去重
}

// Manager 订单全生命周期管理。
// 状态机：PENDING → SUBMITTED → PARTIALLY_FILLED → FILLED，
// 任一非终态可进入 REJECTED/CANCELLED；终态后的回报视为协议异常，
// 记日志丢弃。订单一旦创建只在这里变更，策略只持有 OrderID。
type Manager struct {
	log        *zap.Logger
	bus        *event.Bus
	gw         domain.Gateway
	db         *gorm.DB
	ackTimeout time.Duration

	mu     sync.RWMutex
	orders map[string]*managedOrder
}

// NewManager 创建订单管理器。db 为 nil 时订单不落库。
func NewManager(cfg Config, bus *event.Bus, gw domain.Gateway, db *gorm.DB, log *zap.Logger) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Manager{
		log:        log.Named("order"),
		bus:        bus,
		gw:         gw,
		db:         db,
		ackTimeout: cfg.AckTimeout,
		orders:     make(map[string]*managedOrder),
	}
}

// PlaceOrder 创建订单并发往网关。
// 网关同步报错视为券商的确定性拒绝，订单直接进 REJECTED 不重试；
// 同步成功后订单停在 PENDING，等网关回报确认，超时未确认也判 REJECTED。
func (m *Manager) PlaceOrder(strategyID string, req model.OrderRequest) (model.Order, error) {
	if req.Symbol == "" || req.Volume <= 0 {
		return model.Order{}, fmt.Errorf("%w: symbol=%q volume=%d", domain.ErrInvalidInput, req.Symbol, req.Volume)
	}

	now := time.Now()
	mo := &managedOrder{
		order: model.Order{
			OrderID:    uuid.NewString(),
			StrategyID: strategyID,
			Symbol:     req.Symbol,
			Exchange:   req.Exchange,
			Direction:  req.Direction,
			Offset:     req.Offset,
			Type:       req.Type,
			Price:      req.Price,
			Volume:     req.Volume,
			Status:     model.OrderStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		seen: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.orders[mo.order.OrderID] = mo
	m.mu.Unlock()

	m.persistOrder(mo.order)
	m.logStatus(mo.order.OrderID, "", model.OrderStatusPending, "created")

	if err := m.gw.SendOrder(mo.order); err != nil {
		m.log.Warn("gateway rejected order synchronously",
			zap.String("order_id", mo.order.OrderID), zap.Error(err))
		snap, _ := m.applyTransition(mo, model.OrderStatusRejected, err.Error())
		return snap, nil
	}

	orderID := mo.order.OrderID
	mo.mu.Lock()
	mo.ackTimer = time.AfterFunc(m.ackTimeout, func() { m.onAckTimeout(orderID) })
	snap := mo.order
	mo.mu.Unlock()

	m.log.Info("order placed",
		zap.String("order_id", snap.OrderID),
		zap.String("strategy_id", strategyID),
		zap.String("symbol", snap.Symbol),
		zap.String("direction", string(snap.Direction)),
		zap.Int("volume", snap.Volume))
	return snap, nil
}

// CancelOrder 撤单。只有被网关确认过的活动订单才能撤，
// 实际状态变化以网关回报为准。
func (m *Manager) CancelOrder(orderID string) error {
	mo := m.get(orderID)
	if mo == nil {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}

	mo.mu.Lock()
	status := mo.order.Status
	mo.mu.Unlock()

	if status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, orderID, status)
	}
	if status == model.OrderStatusPending {
		return fmt.Errorf("%w: %s not yet acknowledged", domain.ErrInvalidTransition, orderID)
	}
	return m.gw.CancelOrder(orderID)
}

// CancelStrategyOrders 撤掉某策略的全部活动订单，返回已发起撤单的数量
func (m *Manager) CancelStrategyOrders(strategyID string) int {
	var cancelled int
	for _, o := range m.List(strategyID) {
		if !o.IsActive() {
			continue
		}
		if err := m.gw.CancelOrder(o.OrderID); err != nil {
			m.log.Warn("cancel order failed",
				zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled
}

// OnOrderUpdate 网关状态回报入口
func (m *Manager) OnOrderUpdate(u domain.OrderUpdate) {
	mo := m.get(u.OrderID)
	if mo == nil {
		m.log.Warn("order update for unknown order", zap.String("order_id", u.OrderID))
		return
	}
	if _, err := m.applyTransition(mo, u.Status, u.Reason); err != nil {
		m.log.Warn("protocol anomaly: update ignored",
			zap.String("order_id", u.OrderID),
			zap.String("to", string(u.Status)),
			zap.Error(err))
	}
}

// OnTrade 网关成交回报入口。
// 补全订单维度字段，更新成交均价与数量，按需推进到部分/全部成交。
func (m *Manager) OnTrade(trade model.Trade) {
	mo := m.get(trade.OrderID)
	if mo == nil {
		m.log.Warn("trade for unknown order", zap.String("order_id", trade.OrderID))
		return
	}

	mo.mu.Lock()
	if _, dup := mo.seen[trade.TradeID]; dup {
		mo.mu.Unlock()
		return
	}
	if mo.order.Status.IsTerminal() {
		mo.mu.Unlock()
		m.log.Warn("protocol anomaly: trade after terminal state",
			zap.String("order_id", trade.OrderID),
			zap.String("trade_id", trade.TradeID))
		return
	}
	mo.seen[trade.TradeID] = struct{}{}

	trade.StrategyID = mo.order.StrategyID
	trade.Symbol = mo.order.Symbol
	trade.Direction = mo.order.Direction
	trade.Offset = mo.order.Offset
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now()
	}

	prevFilled := mo.order.FilledVolume
	newFilled := prevFilled + trade.Volume
	if newFilled > mo.order.Volume {
		m.log.Warn("overfill clamped",
			zap.String("order_id", trade.OrderID),
			zap.Int("reported", newFilled),
			zap.Int("volume", mo.order.Volume))
		trade.Volume = mo.order.Volume - prevFilled
		newFilled = mo.order.Volume
	}
	if trade.Volume <= 0 {
		mo.mu.Unlock()
		return
	}

	mo.order.AvgFillPrice = (mo.order.AvgFillPrice*float64(prevFilled) + trade.Price*float64(trade.Volume)) / float64(newFilled)
	mo.order.FilledVolume = newFilled
	mo.stopAckTimerLocked() // 有成交说明网关已受理
	status := mo.order.Status
	mo.mu.Unlock()

	// 成交先于确认回报到达时补一个 SUBMITTED，不允许跳态
	if status == model.OrderStatusPending {
		_, _ = m.applyTransition(mo, model.OrderStatusSubmitted, "implied by trade")
	}

	next := model.OrderStatusPartiallyFilled
	if newFilled == mo.order.Volume {
		next = model.OrderStatusFilled
	}
	snap, err := m.applyTransition(mo, next, "")
	if err != nil {
		m.log.Warn("fill transition rejected",
			zap.String("order_id", trade.OrderID), zap.Error(err))
		return
	}

	m.persistTrade(trade)

	// 成交事件同步分发，账户记账必须先于后续信号看到持仓
	_ = m.bus.Publish(event.Event{
		Type:   constants.EventOrderFilled,
		Source: "order",
		Data:   trade,
	})
	m.log.Info("trade",
		zap.String("order_id", trade.OrderID),
		zap.String("symbol", trade.Symbol),
		zap.Float64("price", trade.Price),
		zap.Int("volume", trade.Volume),
		zap.String("status", string(snap.Status)))
}

// Get 返回订单快照
func (m *Manager) Get(orderID string) (model.Order, bool) {
	mo := m.get(orderID)
	if mo == nil {
		return model.Order{}, false
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.order, true
}

// List 返回某策略的全部订单；strategyID 为空返回所有
func (m *Manager) List(strategyID string) []model.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Order, 0, len(m.orders))
	for _, mo := range m.orders {
		mo.mu.Lock()
		if strategyID == "" || mo.order.StrategyID == strategyID {
			out = append(out, mo.order)
		}
		mo.mu.Unlock()
	}
	return out
}

// ActiveCount 某策略当前在途订单数，风控用
func (m *Manager) ActiveCount(strategyID string) int {
	count := 0
	for _, o := range m.List(strategyID) {
		if o.IsActive() || o.Status == model.OrderStatusPending {
			count++
		}
	}
	return count
}

// Reconcile 重连后与网关对账：套用网关报的状态，
// 网关不认识的本地活动订单按撤销处理。
func (m *Manager) Reconcile() error {
	updates, err := m.gw.QueryOrders()
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}

	known := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		known[u.OrderID] = struct{}{}
		m.OnOrderUpdate(u)
	}

	for _, o := range m.List("") {
		if !o.IsActive() && o.Status != model.OrderStatusPending {
			continue
		}
		if _, ok := known[o.OrderID]; ok {
			continue
		}
		if mo := m.get(o.OrderID); mo != nil {
			_, _ = m.applyTransition(mo, model.OrderStatusCancelled, "not found at gateway after reconnect")
		}
	}
	m.log.Info("order reconcile done", zap.Int("gateway_orders", len(updates)))
	return nil
}

func (m *Manager) get(orderID string) *managedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[orderID]
}

func (m *Manager) onAckTimeout(orderID string) {
	mo := m.get(orderID)
	if mo == nil {
		return
	}
	mo.mu.Lock()
	pending := mo.order.Status == model.OrderStatusPending
	mo.mu.Unlock()
	if !pending {
		return
	}
	m.log.Warn("order acknowledgment timeout", zap.String("order_id", orderID))
	_, _ = m.applyTransition(mo, model.OrderStatusRejected, "acknowledgment timeout")
}

// applyTransition 校验并执行状态迁移，成功后发布对应事件
func (m *Manager) applyTransition(mo *managedOrder, to model.OrderStatus, msg string) (model.Order, error) {
	mo.mu.Lock()
	from := mo.order.Status
	if !validTransition(from, to) {
		mo.mu.Unlock()
		return model.Order{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	mo.order.Status = to
	if msg != "" {
		mo.order.StatusMsg = msg
	}
	mo.order.UpdatedAt = time.Now()
	if to.IsTerminal() || to == model.OrderStatusSubmitted {
		mo.stopAckTimerLocked()
	}
	snap := mo.order
	mo.mu.Unlock()

	m.persistOrder(snap)
	m.logStatus(snap.OrderID, string(from), to, msg)

	_ = m.bus.Publish(event.Event{Type: constants.EventOrderUpdated, Source: "order", Data: snap})
	switch to {
	case model.OrderStatusSubmitted:
		_ = m.bus.Publish(event.Event{Type: constants.EventOrderSubmitted, Source: "order", Data: snap})
	case model.OrderStatusRejected:
		_ = m.bus.Publish(event.Event{Type: constants.EventOrderRejected, Source: "order", Data: snap})
	case model.OrderStatusCancelled:
		_ = m.bus.Publish(event.Event{Type: constants.EventOrderCancelled, Source: "order", Data: snap})
	}
	return snap, nil
}

func (mo *managedOrder) stopAckTimerLocked() {
	if mo.ackTimer != nil {
		mo.ackTimer.Stop()
		mo.ackTimer = nil
	}
}

// validTransition 订单状态机全表
func validTransition(from, to model.OrderStatus) bool {
	switch from {
	case model.OrderStatusPending:
		return to == model.OrderStatusSubmitted ||
			to == model.OrderStatusRejected ||
			to == model.OrderStatusCancelled
	case model.OrderStatusSubmitted:
		return to == model.OrderStatusPartiallyFilled ||
			to == model.OrderStatusFilled ||
			to == model.OrderStatusRejected ||
			to == model.OrderStatusCancelled
	case model.OrderStatusPartiallyFilled:
		return to == model.OrderStatusPartiallyFilled ||
			to == model.OrderStatusFilled ||
			to == model.OrderStatusCancelled
	}
	return false
}

func (m *Manager) persistOrder(o model.Order) {
	if m.db == nil {
		return
	}
	if err := m.db.Save(&o).Error; err != nil {
		m.log.Error("persist order failed", zap.String("order_id", o.OrderID), zap.Error(err))
	}
}

func (m *Manager) persistTrade(t model.Trade) {
	if m.db == nil {
		return
	}
	if err := m.db.Create(&t).Error; err != nil {
		m.log.Error("persist trade failed", zap.String("trade_id", t.TradeID), zap.Error(err))
	}
}

func (m *Manager) logStatus(orderID, from string, to model.OrderStatus, msg string) {
	if m.db == nil {
		return
	}
	rec := model.OrderStatusLog{OrderID: orderID, OldStatus: from, NewStatus: string(to), Message: msg}
	if err := m.db.Create(&rec).Error; err != nil {
		m.log.Error("persist status log failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
