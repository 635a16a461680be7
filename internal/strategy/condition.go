package strategy

import (
	"fmt"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"qftrade.com/internal/model"
)

// conditionStrategy 条件单：价格触线后下一笔单，触发一次即完成。
// 参数:
//
//	symbol    合约
//	operator  ">=" 或 "<="
//	trigger   触发价
//	direction long/short
//	offset    open/close
//	volume    手数
//	price     委托价，0 表示按触发时最新价
type conditionStrategy struct {
	BaseStrategy

	symbol    string
	operator  string
	trigger   float64
	direction model.Direction
	offset    model.Offset
	volume    int
	price     float64

	fired bool
}

func newConditionStrategy(params map[string]any) (Strategy, error) {
	s := &conditionStrategy{
		symbol:    cast.ToString(params["symbol"]),
		operator:  cast.ToString(params["operator"]),
		trigger:   cast.ToFloat64(params["trigger"]),
		direction: model.Direction(cast.ToString(params["direction"])),
		offset:    model.Offset(cast.ToString(params["offset"])),
		volume:    cast.ToInt(params["volume"]),
		price:     cast.ToFloat64(params["price"]),
	}
	if s.symbol == "" {
		return nil, fmt.Errorf("condition: symbol required")
	}
	if s.operator != ">=" && s.operator != "<=" {
		return nil, fmt.Errorf("condition: operator must be >= or <=, got %q", s.operator)
	}
	if s.trigger <= 0 {
		return nil, fmt.Errorf("condition: trigger must be positive")
	}
	if s.direction != model.DirectionLong && s.direction != model.DirectionShort {
		return nil, fmt.Errorf("condition: bad direction %q", s.direction)
	}
	if s.offset != model.OffsetOpen && s.offset != model.OffsetClose {
		return nil, fmt.Errorf("condition: bad offset %q", s.offset)
	}
	if s.volume <= 0 {
		return nil, fmt.Errorf("condition: volume must be positive")
	}
	return s, nil
}

func (s *conditionStrategy) OnInit(ctx *Context) error {
	return ctx.Subscribe(s.symbol)
}

func (s *conditionStrategy) OnTick(ctx *Context, tick model.Tick) {
	if s.fired || tick.Symbol != s.symbol {
		return
	}
	hit := (s.operator == ">=" && tick.LastPrice >= s.trigger) ||
		(s.operator == "<=" && tick.LastPrice <= s.trigger)
	if !hit {
		return
	}
	s.fired = true

	price := s.price
	orderType := model.OrderTypeLimit
	if price <= 0 {
		price = tick.LastPrice
	}
	order, err := ctx.SendOrder(model.OrderRequest{
		Symbol:    s.symbol,
		Exchange:  tick.Exchange,
		Direction: s.direction,
		Offset:    s.offset,
		Type:      orderType,
		Price:     price,
		Volume:    s.volume,
	})
	if err != nil {
		ctx.Logger().Warn("condition order rejected", zap.Error(err))
		return
	}
	ctx.Logger().Info("condition triggered",
		zap.Float64("last_price", tick.LastPrice),
		zap.Float64("trigger", s.trigger),
		zap.String("order_id", order.OrderID))
}
