package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

// Deps 策略框架对外部模块的依赖，由引擎装配时注入
type Deps struct {
	Bus         *event.Bus
	Subscribe   func(strategyID string, symbols []string) error
	Unsubscribe func(strategyID string) error
	PlaceOrder  func(strategyID string, req model.OrderRequest) (model.Order, error)
	CancelOrder func(orderID string) error
	CancelAll   func(strategyID string) int
	LastPrice   func(symbol string) (float64, bool)
	NetVolume   func(strategyID, symbol string) int
}

// instance 一个运行中的策略实例
type instance struct {
	mu        sync.Mutex // 串行化全部策略回调
	id        string
	name      string
	strat     Strategy
	ctx       *Context
	state     model.StrategyState
	params    map[string]any
	busSubs   []*event.Subscription
	loadedAt  time.Time
	startedAt *time.Time
	stoppedAt *time.Time
	lastErr   string
}

// Manager 策略生命周期管理。
// CREATED → INITIALIZED → RUNNING → STOPPED，一个实例一个 uuid，
// STOPPED 后只能重新 Load。单个策略的崩溃被隔离，不影响其他策略。
type Manager struct {
	log      *zap.Logger
	deps     Deps
	registry *registry

	mu        sync.RWMutex
	instances map[string]*instance
}

func NewManager(deps Deps, log *zap.Logger) *Manager {
	m := &Manager{
		log:       log.Named("strategy"),
		deps:      deps,
		registry:  newRegistry(),
		instances: make(map[string]*instance),
	}
	// 订单与成交按 StrategyID 路由到各实例
	deps.Bus.Subscribe(constants.EventOrderUpdated, m.routeOrder, event.Async())
	deps.Bus.Subscribe(constants.EventOrderFilled, m.routeTrade, event.Async())
	return m
}

// Register 注册策略类型
func (m *Manager) Register(name string, f Factory) error {
	return m.registry.register(name, f)
}

// Types 返回可用的策略类型名
func (m *Manager) Types() []string {
	return m.registry.names()
}

// Load 创建并初始化一个策略实例，返回生成的实例 id。
// 初始化失败只影响本实例，错误原样返回。
func (m *Manager) Load(name string, params map[string]any) (string, error) {
	factory, ok := m.registry.lookup(name)
	if !ok {
		return "", &domain.StrategyLoadError{Name: name, Err: fmt.Errorf("unknown strategy type")}
	}

	strat, err := factory(params)
	if err != nil {
		return "", &domain.StrategyLoadError{Name: name, Err: err}
	}

	id := uuid.NewString()
	inst := &instance{
		id:       id,
		name:     name,
		strat:    strat,
		state:    model.StrategyStateCreated,
		params:   params,
		loadedAt: time.Now(),
	}
	inst.ctx = &Context{
		id:      id,
		name:    name,
		log:     m.log.With(zap.String("strategy", name), zap.String("strategy_id", shortID(id))),
		symbols: make(map[string]struct{}),
		subscribe: func(symbols []string) error {
			return m.deps.Subscribe(id, symbols)
		},
		placeOrder: func(req model.OrderRequest) (model.Order, error) {
			return m.deps.PlaceOrder(id, req)
		},
		cancelOrder: m.deps.CancelOrder,
		lastPrice:   m.deps.LastPrice,
		netVolume: func(symbol string) int {
			return m.deps.NetVolume(id, symbol)
		},
	}

	// 初始化成功前实例不进注册表：失败的加载对其他模块不可见，
	// OnInit 里已做的行情订阅要退掉
	if err := m.safeInit(inst); err != nil {
		m.teardown(inst)
		return "", &domain.StrategyLoadError{Name: name, Err: err}
	}

	// 行情按实例扇出，事件类型里带实例 id
	tickSub := m.deps.Bus.Subscribe(constants.EventTickPrefix+id, func(ev event.Event) {
		m.dispatchTick(inst, ev)
	}, event.Async())
	barSub := m.deps.Bus.Subscribe(constants.EventBarPrefix, func(ev event.Event) {
		m.dispatchBar(inst, ev)
	}, event.Async())

	inst.mu.Lock()
	inst.busSubs = append(inst.busSubs, tickSub, barSub)
	inst.state = model.StrategyStateInitialized
	inst.mu.Unlock()

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	_ = m.deps.Bus.Publish(event.Event{
		Type:   constants.EventStrategyLoaded,
		Source: "strategy",
		Data:   m.snapshot(inst),
	})
	m.log.Info("strategy loaded", zap.String("name", name), zap.String("id", id))
	return id, nil
}

// Start 启动策略，只允许从 INITIALIZED 出发
func (m *Manager) Start(id string) error {
	inst := m.instance(id)
	if inst == nil {
		return fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}

	inst.mu.Lock()
	if inst.state != model.StrategyStateInitialized {
		state := inst.state
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want INITIALIZED", domain.ErrStrategyState, id, state)
	}
	inst.mu.Unlock()

	if err := m.safeCallErr(inst, "start", func() error { return inst.strat.OnStart(inst.ctx) }); err != nil {
		return fmt.Errorf("start strategy %s: %w", id, err)
	}

	now := time.Now()
	inst.mu.Lock()
	inst.state = model.StrategyStateRunning
	inst.startedAt = &now
	inst.mu.Unlock()

	_ = m.deps.Bus.Publish(event.Event{
		Type:   constants.EventStrategyStarted,
		Source: "strategy",
		Data:   m.snapshot(inst),
	})
	m.log.Info("strategy started", zap.String("id", id))
	return nil
}

// Stop 停止策略：撤掉在途订单、退订行情、调用 OnStop。
// OnStop 报错不阻止停止，实例最终必达 STOPPED。
func (m *Manager) Stop(id string) error {
	inst := m.instance(id)
	if inst == nil {
		return fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}

	inst.mu.Lock()
	if inst.state == model.StrategyStateStopped {
		inst.mu.Unlock()
		return nil
	}
	inst.mu.Unlock()

	if n := m.deps.CancelAll(id); n > 0 {
		m.log.Info("cancelled strategy orders on stop", zap.String("id", id), zap.Int("count", n))
	}
	m.teardown(inst)

	err := m.safeCallErr(inst, "stop", func() error { return inst.strat.OnStop(inst.ctx) })

	now := time.Now()
	inst.mu.Lock()
	inst.state = model.StrategyStateStopped
	inst.stoppedAt = &now
	if err != nil {
		inst.lastErr = err.Error()
	}
	inst.mu.Unlock()

	_ = m.deps.Bus.Publish(event.Event{
		Type:   constants.EventStrategyStopped,
		Source: "strategy",
		Data:   m.snapshot(inst),
	})
	m.log.Info("strategy stopped", zap.String("id", id))
	return err
}

// StopAll 停止全部策略，停机时调用
func (m *Manager) StopAll() {
	for _, info := range m.Instances() {
		if info.State == model.StrategyStateStopped {
			continue
		}
		if err := m.Stop(info.ID); err != nil {
			m.log.Warn("stop strategy failed", zap.String("id", info.ID), zap.Error(err))
		}
	}
}

// Unload 移除已停止的实例
func (m *Manager) Unload(id string) error {
	inst := m.instance(id)
	if inst == nil {
		return fmt.Errorf("%w: %s", domain.ErrStrategyNotFound, id)
	}
	inst.mu.Lock()
	state := inst.state
	inst.mu.Unlock()
	if state != model.StrategyStateStopped {
		return fmt.Errorf("%w: %s is %s, stop it first", domain.ErrStrategyState, id, state)
	}
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

// Info 返回单个实例的快照
func (m *Manager) Info(id string) (model.StrategyInfo, bool) {
	inst := m.instance(id)
	if inst == nil {
		return model.StrategyInfo{}, false
	}
	return m.snapshot(inst), true
}

// Instances 返回全部实例快照，按加载时间排序
func (m *Manager) Instances() []model.StrategyInfo {
	m.mu.RLock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	out := make([]model.StrategyInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, m.snapshot(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadedAt.Before(out[j].LoadedAt) })
	return out
}

// ---------------------------------
// 事件分发
// ---------------------------------

func (m *Manager) dispatchTick(inst *instance, ev event.Event) {
	tick, ok := ev.Data.(model.Tick)
	if !ok {
		return
	}
	m.safeCall(inst, "tick", func() { inst.strat.OnTick(inst.ctx, tick) })
}

func (m *Manager) dispatchBar(inst *instance, ev event.Event) {
	bar, ok := ev.Data.(model.Bar)
	if !ok || !inst.ctx.subscribed(bar.Symbol) {
		return
	}
	m.safeCall(inst, "bar", func() { inst.strat.OnBar(inst.ctx, bar) })
}

func (m *Manager) routeOrder(ev event.Event) {
	order, ok := ev.Data.(model.Order)
	if !ok {
		return
	}
	if inst := m.instance(order.StrategyID); inst != nil {
		m.safeCall(inst, "order", func() { inst.strat.OnOrder(inst.ctx, order) })
	}
}

func (m *Manager) routeTrade(ev event.Event) {
	trade, ok := ev.Data.(model.Trade)
	if !ok {
		return
	}
	if inst := m.instance(trade.StrategyID); inst != nil {
		m.safeCall(inst, "trade", func() { inst.strat.OnTrade(inst.ctx, trade) })
	}
}

// safeCall 串行执行回调并吸收 panic，只有 RUNNING 状态才分发行情类回调
func (m *Manager) safeCall(inst *instance, phase string, fn func()) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != model.StrategyStateRunning {
		return
	}
	defer m.recoverPhase(inst, phase)
	fn()
}

func (m *Manager) safeInit(inst *instance) (err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panic: %v", r)
		}
	}()
	return inst.strat.OnInit(inst.ctx)
}

func (m *Manager) safeCallErr(inst *instance, phase string, fn func() error) (err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", phase, r)
			m.publishPhaseError(inst, phase, err)
		}
	}()
	return fn()
}

func (m *Manager) recoverPhase(inst *instance, phase string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%s panic: %v", phase, r)
		inst.lastErr = err.Error()
		m.log.Error("strategy callback panic",
			zap.String("id", inst.id),
			zap.String("phase", phase),
			zap.Any("panic", r))
		m.publishPhaseError(inst, phase, err)
	}
}

func (m *Manager) publishPhaseError(inst *instance, phase string, err error) {
	_ = m.deps.Bus.Publish(event.Event{
		Type:   constants.StrategyErrorEvent(phase),
		Source: "strategy",
		Data: map[string]string{
			"strategy_id": inst.id,
			"name":        inst.name,
			"error":       err.Error(),
		},
	})
}

// teardown 退订总线与行情
func (m *Manager) teardown(inst *instance) {
	inst.mu.Lock()
	subs := inst.busSubs
	inst.busSubs = nil
	inst.mu.Unlock()
	for _, sub := range subs {
		m.deps.Bus.Unsubscribe(sub)
	}
	if err := m.deps.Unsubscribe(inst.id); err != nil {
		m.log.Warn("unsubscribe market data failed", zap.String("id", inst.id), zap.Error(err))
	}
}

func (m *Manager) instance(id string) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

func (m *Manager) snapshot(inst *instance) model.StrategyInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return model.StrategyInfo{
		ID:            inst.id,
		Name:          inst.name,
		State:         inst.state,
		Params:        inst.params,
		Subscriptions: inst.ctx.Subscriptions(),
		LoadedAt:      inst.loadedAt,
		StartedAt:     inst.startedAt,
		StoppedAt:     inst.stoppedAt,
		LastError:     inst.lastErr,
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
