package strategy

import (
	"fmt"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"qftrade.com/internal/model"
)

// maStrategy 双均线：快线上穿慢线做多，下穿做空，反向信号先平后开。
// 参数:
//
//	symbol  合约
//	period  K 线周期，默认 "1m"
//	fast    快线窗口，默认 5
//	slow    慢线窗口，默认 20
//	volume  每次开仓手数，默认 1
type maStrategy struct {
	BaseStrategy

	symbol string
	period string
	fast   int
	slow   int
	volume int

	closes []float64
}

func newMAStrategy(params map[string]any) (Strategy, error) {
	s := &maStrategy{
		symbol: cast.ToString(params["symbol"]),
		period: cast.ToString(params["period"]),
		fast:   cast.ToInt(params["fast"]),
		slow:   cast.ToInt(params["slow"]),
		volume: cast.ToInt(params["volume"]),
	}
	if s.symbol == "" {
		return nil, fmt.Errorf("moving_average: symbol required")
	}
	if s.period == "" {
		s.period = "1m"
	}
	if s.fast <= 0 {
		s.fast = 5
	}
	if s.slow <= 0 {
		s.slow = 20
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("moving_average: fast %d must be < slow %d", s.fast, s.slow)
	}
	if s.volume <= 0 {
		s.volume = 1
	}
	return s, nil
}

func (s *maStrategy) OnInit(ctx *Context) error {
	return ctx.Subscribe(s.symbol)
}

func (s *maStrategy) OnBar(ctx *Context, bar model.Bar) {
	if bar.Symbol != s.symbol || bar.Period != s.period {
		return
	}
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.slow+1 {
		s.closes = s.closes[len(s.closes)-s.slow-1:]
	}
	if len(s.closes) < s.slow+1 {
		return
	}

	fastNow := mean(s.closes[len(s.closes)-s.fast:])
	slowNow := mean(s.closes[len(s.closes)-s.slow:])
	prev := s.closes[:len(s.closes)-1]
	fastPrev := mean(prev[len(prev)-s.fast:])
	slowPrev := mean(prev[len(prev)-s.slow:])

	crossUp := fastPrev <= slowPrev && fastNow > slowNow
	crossDown := fastPrev >= slowPrev && fastNow < slowNow
	if !crossUp && !crossDown {
		return
	}

	dir := model.DirectionLong
	if crossDown {
		dir = model.DirectionShort
	}
	ctx.Logger().Info("ma cross",
		zap.String("direction", string(dir)),
		zap.Float64("fast", fastNow),
		zap.Float64("slow", slowNow))

	// 持有反向仓先平掉
	net := ctx.NetPosition(s.symbol)
	if (dir == model.DirectionLong && net < 0) || (dir == model.DirectionShort && net > 0) {
		closeVol := net
		if closeVol < 0 {
			closeVol = -closeVol
		}
		s.send(ctx, bar, dir, model.OffsetClose, closeVol)
	}
	s.send(ctx, bar, dir, model.OffsetOpen, s.volume)
}

func (s *maStrategy) send(ctx *Context, bar model.Bar, dir model.Direction, offset model.Offset, volume int) {
	_, err := ctx.SendOrder(model.OrderRequest{
		Symbol:    s.symbol,
		Exchange:  bar.Exchange,
		Direction: dir,
		Offset:    offset,
		Type:      model.OrderTypeLimit,
		Price:     bar.Close,
		Volume:    volume,
	})
	if err != nil {
		ctx.Logger().Warn("ma order rejected", zap.Error(err))
	}
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
