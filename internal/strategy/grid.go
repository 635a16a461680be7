package strategy

import (
	"fmt"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"qftrade.com/internal/model"
)

// gridStrategy 网格：以基准价为中心铺格子，价格每下一格买开一份，
// 每回升一格平掉最近买入的一份。
// 参数:
//
//	symbol     合约
//	base_price 基准价，0 表示用启动后第一笔行情价
//	grid_step  格距（价格）
//	max_grids  最多持有的格子数
//	volume     每格手数，默认 1
type gridStrategy struct {
	BaseStrategy

	symbol   string
	base     float64
	step     float64
	maxGrids int
	volume   int

	anchor float64 // 当前参照价，成交一格后移动
	held   int     // 已持有的格子数
}

func newGridStrategy(params map[string]any) (Strategy, error) {
	s := &gridStrategy{
		symbol:   cast.ToString(params["symbol"]),
		base:     cast.ToFloat64(params["base_price"]),
		step:     cast.ToFloat64(params["grid_step"]),
		maxGrids: cast.ToInt(params["max_grids"]),
		volume:   cast.ToInt(params["volume"]),
	}
	if s.symbol == "" {
		return nil, fmt.Errorf("grid: symbol required")
	}
	if s.step <= 0 {
		return nil, fmt.Errorf("grid: grid_step must be positive")
	}
	if s.maxGrids <= 0 {
		return nil, fmt.Errorf("grid: max_grids must be positive")
	}
	if s.volume <= 0 {
		s.volume = 1
	}
	return s, nil
}

func (s *gridStrategy) OnInit(ctx *Context) error {
	s.anchor = s.base
	return ctx.Subscribe(s.symbol)
}

func (s *gridStrategy) OnTick(ctx *Context, tick model.Tick) {
	if tick.Symbol != s.symbol {
		return
	}
	if s.anchor <= 0 {
		s.anchor = tick.LastPrice
		ctx.Logger().Info("grid anchored", zap.Float64("price", s.anchor))
		return
	}

	switch {
	case tick.LastPrice <= s.anchor-s.step && s.held < s.maxGrids:
		if s.send(ctx, tick, model.DirectionLong, model.OffsetOpen) {
			s.held++
			s.anchor -= s.step
		}
	case tick.LastPrice >= s.anchor+s.step && s.held > 0:
		if s.send(ctx, tick, model.DirectionShort, model.OffsetClose) {
			s.held--
			s.anchor += s.step
		}
	}
}

func (s *gridStrategy) send(ctx *Context, tick model.Tick, dir model.Direction, offset model.Offset) bool {
	order, err := ctx.SendOrder(model.OrderRequest{
		Symbol:    s.symbol,
		Exchange:  tick.Exchange,
		Direction: dir,
		Offset:    offset,
		Type:      model.OrderTypeLimit,
		Price:     tick.LastPrice,
		Volume:    s.volume,
	})
	if err != nil || order.Status == model.OrderStatusRejected {
		ctx.Logger().Warn("grid order rejected", zap.Error(err))
		return false
	}
	ctx.Logger().Info("grid order",
		zap.String("direction", string(dir)),
		zap.String("offset", string(offset)),
		zap.Float64("price", tick.LastPrice),
		zap.Int("held", s.held))
	return true
}
