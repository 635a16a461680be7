package gateway

import (
	"sync"

	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
)

// Monitor 跟踪网关连接状态。
// 状态回调来自网关线程，这里只做加锁的状态交接；
// 第一次进入 READY 与重连后再次 READY 都会触发 onReady，
// 引擎在回调里做行情重订阅和订单对账。
type Monitor struct {
	log *zap.Logger
	bus *event.Bus

	mu       sync.Mutex
	state    domain.ConnectionState
	wasReady bool
	onReady  func(reconnect bool)
}

func NewMonitor(bus *event.Bus, log *zap.Logger) *Monitor {
	return &Monitor{
		log:   log.Named("gateway"),
		bus:   bus,
		state: domain.StateDisconnected,
	}
}

// OnReady 注册就绪回调，必须在接入网关回调前设置
func (m *Monitor) OnReady(fn func(reconnect bool)) {
	m.mu.Lock()
	m.onReady = fn
	m.mu.Unlock()
}

// Handle 网关连接状态回调入口
func (m *Monitor) Handle(state domain.ConnectionState) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	var ready func(bool)
	var reconnect bool
	if state == domain.StateReady {
		reconnect = m.wasReady
		m.wasReady = true
		ready = m.onReady
	}
	m.mu.Unlock()

	m.log.Info("gateway state",
		zap.String("from", string(prev)),
		zap.String("to", string(state)))
	_ = m.bus.Publish(event.Event{
		Type:   constants.EventGatewayState,
		Source: "gateway",
		Data:   state,
	})

	if ready != nil {
		// 不在网关线程上做重订阅和对账
		go ready(reconnect)
	}
}

// State 当前连接状态
func (m *Monitor) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready 是否可交易
func (m *Monitor) Ready() bool {
	return m.State() == domain.StateReady
}
