package risk

import (
	"fmt"
	"time"

	"qftrade.com/internal/domain"
	"qftrade.com/internal/model"
)

// PositionView 风控需要的持仓只读视图，由 account.Tracker 实现
type PositionView interface {
	NetVolume(strategyID, symbol string) int
	RealizedToday(strategyID string) float64
}

// OrderView 风控需要的在途订单只读视图，由 order.Manager 实现
type OrderView interface {
	ActiveCount(strategyID string) int
}

// Check 一次风控检查的输入
type Check struct {
	StrategyID string
	Request    model.OrderRequest
	Now        time.Time
}

// Rule 单条风控规则。规则是纯检查，不得有副作用；
// 返回非空字符串表示拒绝原因，空串表示通过。
type Rule interface {
	Name() string
	Evaluate(c Check) string
}

// ---------------------------------
// 内置规则，配置为零值时对应规则关闭
// ---------------------------------

type maxOrderVolumeRule struct{ limit int }

func (r maxOrderVolumeRule) Name() string { return "max_order_size" }

func (r maxOrderVolumeRule) Evaluate(c Check) string {
	if c.Request.Volume <= 0 {
		return fmt.Sprintf("%s: volume must be positive, got %d", r.Name(), c.Request.Volume)
	}
	if c.Request.Volume > r.limit {
		return fmt.Sprintf("%s: %d > %d", r.Name(), c.Request.Volume, r.limit)
	}
	return ""
}

type maxPositionVolumeRule struct {
	limit     int
	positions PositionView
}

func (r maxPositionVolumeRule) Name() string { return "max_position_size" }

// 只约束开仓：按成交后的净持仓绝对值预估
func (r maxPositionVolumeRule) Evaluate(c Check) string {
	if c.Request.Offset != model.OffsetOpen {
		return ""
	}
	net := r.positions.NetVolume(c.StrategyID, c.Request.Symbol)
	if c.Request.Direction == model.DirectionLong {
		net += c.Request.Volume
	} else {
		net -= c.Request.Volume
	}
	if abs(net) > r.limit {
		return fmt.Sprintf("%s: projected %d > %d", r.Name(), abs(net), r.limit)
	}
	return ""
}

type maxDailyLossRule struct {
	limit     float64
	positions PositionView
}

func (r maxDailyLossRule) Name() string { return "max_daily_loss" }

// 当日已实现亏损触线后只拦开仓，平仓放行以便减仓离场
func (r maxDailyLossRule) Evaluate(c Check) string {
	if c.Request.Offset != model.OffsetOpen {
		return ""
	}
	pnl := r.positions.RealizedToday(c.StrategyID)
	if pnl <= -r.limit {
		return fmt.Sprintf("%s: realized %.2f breaches -%.2f", r.Name(), pnl, r.limit)
	}
	return ""
}

type maxActiveOrdersRule struct {
	limit  int
	orders OrderView
}

func (r maxActiveOrdersRule) Name() string { return "max_active_orders" }

func (r maxActiveOrdersRule) Evaluate(c Check) string {
	active := r.orders.ActiveCount(c.StrategyID)
	if active >= r.limit {
		return fmt.Sprintf("%s: %d active orders >= %d", r.Name(), active, r.limit)
	}
	return ""
}

type orderRateRule struct {
	limit  int
	window *rateWindow
}

func (r orderRateRule) Name() string { return "max_order_rate" }

// 只读当前秒的计数，计数在订单通过风控后才累加
func (r orderRateRule) Evaluate(c Check) string {
	count := r.window.count(c.StrategyID, c.Now)
	if count >= r.limit {
		return fmt.Sprintf("%s: %d orders this second >= %d", r.Name(), count, r.limit)
	}
	return ""
}

type priceDeviationRule struct {
	maxDeviation float64
	prices       domain.PriceSource
}

func (r priceDeviationRule) Name() string { return "max_price_deviation" }

// 限价单委托价偏离最新价过远视为胖手指。无行情时放行，由交易所把关。
func (r priceDeviationRule) Evaluate(c Check) string {
	if c.Request.Type != model.OrderTypeLimit {
		return ""
	}
	last, ok := r.prices.LastPrice(c.Request.Symbol)
	if !ok || last <= 0 {
		return ""
	}
	dev := (c.Request.Price - last) / last
	if dev < 0 {
		dev = -dev
	}
	if dev > r.maxDeviation {
		return fmt.Sprintf("%s: price %.2f deviates %.2f%% from last %.2f",
			r.Name(), c.Request.Price, dev*100, last)
	}
	return ""
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
