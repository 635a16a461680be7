package strategy

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"qftrade.com/internal/model"
)

// Strategy 策略回调接口。
// 所有回调由框架按实例串行调用，策略代码无需自己加锁。
// OnInit 里完成行情订阅和参数校验；OnStop 之后实例不可复用。
type Strategy interface {
	OnInit(ctx *Context) error
	OnStart(ctx *Context) error
	OnTick(ctx *Context, tick model.Tick)
	OnBar(ctx *Context, bar model.Bar)
	OnOrder(ctx *Context, order model.Order)
	OnTrade(ctx *Context, trade model.Trade)
	OnStop(ctx *Context) error
}

// BaseStrategy 空实现，策略只需覆盖关心的回调
type BaseStrategy struct{}

func (BaseStrategy) OnInit(*Context) error         { return nil }
func (BaseStrategy) OnStart(*Context) error        { return nil }
func (BaseStrategy) OnTick(*Context, model.Tick)   {}
func (BaseStrategy) OnBar(*Context, model.Bar)     {}
func (BaseStrategy) OnOrder(*Context, model.Order) {}
func (BaseStrategy) OnTrade(*Context, model.Trade) {}
func (BaseStrategy) OnStop(*Context) error         { return nil }

// Factory 按参数创建策略实例
type Factory func(params map[string]any) (Strategy, error)

// registry 策略类型注册表
type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newRegistry() *registry {
	return &registry{factories: make(map[string]Factory)}
}

func (r *registry) register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("strategy type %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Context 策略与系统交互的唯一通道。
// 策略不直接接触总线、网关和数据库。
type Context struct {
	id   string
	name string
	log  *zap.Logger

	subscribe   func(symbols []string) error
	placeOrder  func(req model.OrderRequest) (model.Order, error)
	cancelOrder func(orderID string) error
	lastPrice   func(symbol string) (float64, bool)
	netVolume   func(symbol string) int

	mu      sync.Mutex
	symbols map[string]struct{}
}

// ID 策略实例 id
func (c *Context) ID() string { return c.id }

// Name 策略类型名
func (c *Context) Name() string { return c.name }

// Logger 带策略标识的日志器
func (c *Context) Logger() *zap.Logger { return c.log }

// Subscribe 订阅行情，通常在 OnInit 里调用
func (c *Context) Subscribe(symbols ...string) error {
	if err := c.subscribe(symbols); err != nil {
		return err
	}
	c.mu.Lock()
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// SendOrder 下单，经过风控后发往网关。
// 返回的订单可能已经是 REJECTED（风控否决或券商同步拒绝）。
func (c *Context) SendOrder(req model.OrderRequest) (model.Order, error) {
	return c.placeOrder(req)
}

// CancelOrder 撤单
func (c *Context) CancelOrder(orderID string) error {
	return c.cancelOrder(orderID)
}

// LastPrice 合约最新价
func (c *Context) LastPrice(symbol string) (float64, bool) {
	return c.lastPrice(symbol)
}

// NetPosition 本策略在某合约的净持仓
func (c *Context) NetPosition(symbol string) int {
	return c.netVolume(symbol)
}

// Subscriptions 已订阅的合约
func (c *Context) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Context) subscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.symbols[symbol]
	return ok
}
