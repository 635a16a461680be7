package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"qftrade.com/internal/account"
	"qftrade.com/internal/constants"
	"qftrade.com/internal/data"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/gateway"
	"qftrade.com/internal/model"
	"qftrade.com/internal/order"
	"qftrade.com/internal/risk"
	"qftrade.com/internal/strategy"
)

// manualStrategyID 人工单挂在这个固定标识下，与策略仓位隔离
const manualStrategyID = "manual"

// Config 引擎配置，各子模块配置的集合
type Config struct {
	Bus          event.Config  `mapstructure:"bus"`
	Data         data.Config   `mapstructure:"data"`
	Risk         risk.Config   `mapstructure:"risk"`
	Order        order.Config  `mapstructure:"order"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"` // 停机时总线排空时限
}

// Signal 策略下单意图的事件载荷
type Signal struct {
	StrategyID string             `json:"strategy_id"`
	Request    model.OrderRequest `json:"request"`
}

// Status 引擎运行状态快照
type Status struct {
	Running      bool                   `json:"running"`
	StartedAt    time.Time              `json:"started_at"`
	GatewayState domain.ConnectionState `json:"gateway_state"`
	Strategies   int                    `json:"strategies"`
	ActiveOrders int                    `json:"active_orders"`
	Positions    int                    `json:"positions"`
	Bus          event.Stats            `json:"bus"`
}

// Engine 交易引擎，负责装配和编排所有子模块。
// 信号链同步执行：策略下单 → 风控 → 订单管理 → 网关，
// 行情与回报分发走总线异步通道。
type Engine struct {
	log *zap.Logger
	cfg Config
	gw  domain.Gateway

	bus        *event.Bus
	data       *data.Service
	tracker    *account.Tracker
	risk       *risk.Engine
	orders     *order.Manager
	strategies *strategy.Manager
	monitor    *gateway.Monitor

	running   bool
	startedAt time.Time
}

// New 装配引擎。db 为 nil 时全部持久化关闭，引擎照常工作。
func New(cfg Config, gw domain.Gateway, db *gorm.DB, log *zap.Logger) (*Engine, error) {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	e := &Engine{log: log.Named("engine"), cfg: cfg, gw: gw}
	e.bus = event.NewBus(cfg.Bus, log)

	svc, err := data.NewService(cfg.Data, e.bus, gw, db, log)
	if err != nil {
		return nil, fmt.Errorf("data service: %w", err)
	}
	e.data = svc

	e.tracker = account.NewTracker(e.bus, e.data, db, log)
	e.orders = order.NewManager(cfg.Order, e.bus, gw, db, log)
	e.risk = risk.NewEngine(cfg.Risk, e.bus, e.tracker, e.orders, e.data, log)

	e.strategies = strategy.NewManager(strategy.Deps{
		Bus:         e.bus,
		Subscribe:   e.data.Subscribe,
		Unsubscribe: e.data.UnsubscribeAll,
		PlaceOrder:  e.placeChecked,
		CancelOrder: e.orders.CancelOrder,
		CancelAll:   e.orders.CancelStrategyOrders,
		LastPrice:   e.data.LastPrice,
		NetVolume:   e.tracker.NetVolume,
	}, log)

	e.monitor = gateway.NewMonitor(e.bus, log)
	e.monitor.OnReady(e.onGatewayReady)

	// 成交记账同步分发，后续信号在同一调用栈里就能看到新持仓
	e.bus.Subscribe(constants.EventOrderFilled, func(ev event.Event) {
		if trade, ok := ev.Data.(model.Trade); ok {
			e.tracker.OnTrade(trade)
		}
	})

	gw.SetCallbacks(domain.GatewayCallbacks{
		OnTick:            e.data.OnTick,
		OnOrderUpdate:     e.orders.OnOrderUpdate,
		OnTrade:           e.orders.OnTrade,
		OnAccountUpdate:   e.tracker.OnAccountUpdate,
		OnConnectionState: e.monitor.Handle,
	})
	return e, nil
}

// Start 启动顺序：总线 → 行情服务 → 网关连接
func (e *Engine) Start(ctx context.Context) error {
	if e.running {
		return fmt.Errorf("engine already running")
	}
	e.bus.Start()
	e.data.Start()
	if err := e.gw.Connect(ctx); err != nil {
		e.data.Stop()
		e.bus.Stop(e.cfg.DrainTimeout)
		return fmt.Errorf("connect gateway: %w", err)
	}
	e.running = true
	e.startedAt = time.Now()

	_ = e.bus.Publish(event.Event{Type: constants.EventEngineStarted, Source: "engine"})
	e.log.Info("trading engine started")
	return nil
}

// Stop 停机顺序：策略 → 行情服务 → 总线排空 → 网关断开。
// 策略先停才能撤干净在途订单，总线最后排空保证事件不丢。
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	e.running = false

	e.strategies.StopAll()
	_ = e.bus.Publish(event.Event{Type: constants.EventEngineStopped, Source: "engine"})
	e.data.Stop()
	e.bus.Stop(e.cfg.DrainTimeout)
	if err := e.gw.Close(); err != nil {
		e.log.Warn("close gateway", zap.Error(err))
	}
	e.log.Info("trading engine stopped")
}

// placeChecked 信号链：发信号事件、过风控、交给订单管理
func (e *Engine) placeChecked(strategyID string, req model.OrderRequest) (model.Order, error) {
	if !e.monitor.Ready() {
		return model.Order{}, domain.ErrNotConnected
	}

	_ = e.bus.Publish(event.Event{
		Type:   constants.EventStrategySignal,
		Source: "engine",
		Data:   Signal{StrategyID: strategyID, Request: req},
	})

	if err := e.risk.CheckOrder(strategyID, req); err != nil {
		return model.Order{}, err
	}
	return e.orders.PlaceOrder(strategyID, req)
}

// onGatewayReady 重连后恢复行情订阅并与网关对账
func (e *Engine) onGatewayReady(reconnect bool) {
	if !reconnect {
		return
	}
	e.log.Info("gateway reconnected, recovering")
	if err := e.data.Resubscribe(); err != nil {
		e.log.Error("resubscribe failed", zap.Error(err))
	}
	if err := e.orders.Reconcile(); err != nil {
		e.log.Error("order reconcile failed", zap.Error(err))
	}
}

// ---------------------------------
// 对外操作面，看板和人工干预走这里
// ---------------------------------

// LoadStrategy 加载策略，返回实例 id
func (e *Engine) LoadStrategy(name string, params map[string]any) (string, error) {
	return e.strategies.Load(name, params)
}

func (e *Engine) StartStrategy(id string) error  { return e.strategies.Start(id) }
func (e *Engine) StopStrategy(id string) error   { return e.strategies.Stop(id) }
func (e *Engine) UnloadStrategy(id string) error { return e.strategies.Unload(id) }

// StrategyTypes 可用的策略类型
func (e *Engine) StrategyTypes() []string { return e.strategies.Types() }

// RegisterStrategy 注册策略类型
func (e *Engine) RegisterStrategy(name string, f strategy.Factory) error {
	return e.strategies.Register(name, f)
}

// StrategyManager 暴露给引导层做批量注册
func (e *Engine) StrategyManager() *strategy.Manager { return e.strategies }

// Strategies 全部策略实例快照
func (e *Engine) Strategies() []model.StrategyInfo { return e.strategies.Instances() }

// Strategy 单个策略实例快照
func (e *Engine) Strategy(id string) (model.StrategyInfo, bool) { return e.strategies.Info(id) }

// Positions 持仓查询，strategyID 为空查全部
func (e *Engine) Positions(strategyID string) []model.Position {
	return e.tracker.Positions(strategyID)
}

// Account 账户快照
func (e *Engine) Account() model.AccountSummary { return e.tracker.Summary() }

// Orders 订单查询，strategyID 为空查全部
func (e *Engine) Orders(strategyID string) []model.Order { return e.orders.List(strategyID) }

// Order 单个订单
func (e *Engine) Order(orderID string) (model.Order, bool) { return e.orders.Get(orderID) }

// PlaceManualOrder 人工下单，与策略单走同一条风控链
func (e *Engine) PlaceManualOrder(req model.OrderRequest) (model.Order, error) {
	return e.placeChecked(manualStrategyID, req)
}

// CancelOrder 人工撤单
func (e *Engine) CancelOrder(orderID string) error { return e.orders.CancelOrder(orderID) }

// QueryBars 历史 K 线
func (e *Engine) QueryBars(symbol, period string, start, end time.Time, limit int) ([]model.Bar, error) {
	return e.data.QueryBars(symbol, period, start, end, limit)
}

// QueryTicks 历史 tick
func (e *Engine) QueryTicks(symbol string, start, end time.Time, limit int) ([]model.Tick, error) {
	return e.data.QueryTicks(symbol, start, end, limit)
}

// Bus 暴露给引导层挂额外订阅（如 redis 转发）
func (e *Engine) Bus() *event.Bus { return e.bus }

// Status 运行状态
func (e *Engine) Status() Status {
	active := 0
	for _, o := range e.orders.List("") {
		if o.IsActive() || o.Status == model.OrderStatusPending {
			active++
		}
	}
	return Status{
		Running:      e.running,
		StartedAt:    e.startedAt,
		GatewayState: e.monitor.State(),
		Strategies:   len(e.strategies.Instances()),
		ActiveOrders: active,
		Positions:    len(e.tracker.Positions("")),
		Bus:          e.bus.Stats(),
	}
}
