package constants

// 事件类型常量
// Hierarchical type strings: subscribers register either an exact type or a
// prefix ending with '.' ("order." matches "order.filled").
const (
	// 行情事件
	EventTickRaw    = "market.tick.raw"
	EventTickPrefix = "market.tick." // + strategy uuid
	EventBarPrefix  = "market.bar."  // + symbol + "." + period

	// 订单事件
	EventOrderSubmitted = "order.submitted"
	EventOrderUpdated   = "order.updated"
	EventOrderFilled    = "order.filled"
	EventOrderCancelled = "order.cancelled"
	EventOrderRejected  = "order.rejected"

	// 风控事件
	EventRiskApproved = "risk.approved"
	EventRiskRejected = "risk.rejected"

	// 策略事件
	EventStrategySignal  = "strategy.signal"
	EventStrategyLoaded  = "strategy.loaded"
	EventStrategyStarted = "strategy.started"
	EventStrategyStopped = "strategy.stopped"

	// 持仓/账户事件
	EventPositionUpdated = "position.updated"
	EventAccountUpdated  = "account.updated"

	// 网关事件
	EventGatewayState = "gateway.state"

	// 引擎事件
	EventEngineStarted = "engine.started"
	EventEngineStopped = "engine.stopped"

	// 定时事件（由总线定时器产生，走 timer 优先级桶）
	EventTimer = "timer.tick"
)

// StrategyErrorEvent builds the event type for a strategy callback failure,
// e.g. "strategy.tick_error".
func StrategyErrorEvent(phase string) string {
	return "strategy." + phase + "_error"
}
