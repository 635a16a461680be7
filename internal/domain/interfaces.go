package domain

import (
	"context"

	"qftrade.com/internal/model"
)

// ===========================
// 网关接口
// ===========================

// ConnectionState 网关连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateLoggedIn     ConnectionState = "LOGGED_IN"
	StateReady        ConnectionState = "READY"
	StateError        ConnectionState = "ERROR"
)

// OrderUpdate 网关对订单状态的回报
type OrderUpdate struct {
	OrderID string
	Status  model.OrderStatus // SUBMITTED / CANCELLED / REJECTED
	Reason  string
}

// AccountUpdate 网关推送的账户资金快照
type AccountUpdate struct {
	Balance   float64
	Available float64
	Margin    float64
}

// GatewayCallbacks 网关入站回调。
// 这些回调在网关自己的线程上触发（原生 SDK 线程），实现方必须只做
// 线程安全的交接：写互斥量保护的状态，或投递到事件总线。
type GatewayCallbacks struct {
	OnTick            func(model.Tick)
	OnOrderUpdate     func(OrderUpdate)
	OnTrade           func(model.Trade)
	OnAccountUpdate   func(AccountUpdate)
	OnConnectionState func(ConnectionState)
}

// Gateway 定义与券商/交易所连接层的抽象契约。
// 具体绑定（CTP 等原生 SDK）在本模块之外实现。
type Gateway interface {
	// 连接并登录；连接状态变化通过 OnConnectionState 推送
	Connect(ctx context.Context) error
	// 断开连接
	Close() error
	// 订阅/退订行情
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	// 发送订单；同步返回错误视为券商的确定性拒绝，不重试
	SendOrder(order model.Order) error
	// 撤单；实际状态变化以网关回报为准
	CancelOrder(orderID string) error
	// 查询在途订单状态（重连后对账用）
	QueryOrders() ([]OrderUpdate, error)
	// 注册入站回调，必须在 Connect 之前调用
	SetCallbacks(cb GatewayCallbacks)
}

// ===========================
// 行情价格读取接口
// ===========================

// PriceSource 提供某合约的最新价（由 DataService 的 tick 缓存实现）
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}
