package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

// Config 风控参数，零值规则不启用
type Config struct {
	MaxOrderVolume    int     `mapstructure:"max_order_volume"`    // 单笔最大手数
	MaxPositionVolume int     `mapstructure:"max_position_volume"` // 单策略单合约净持仓上限
	MaxDailyLoss      float64 `mapstructure:"max_daily_loss"`      // 单策略当日最大已实现亏损
	MaxActiveOrders   int     `mapstructure:"max_active_orders"`   // 单策略在途订单上限
	MaxOrdersPerSec   int     `mapstructure:"max_orders_per_sec"`  // 单策略每秒报单上限
	MaxPriceDeviation float64 `mapstructure:"max_price_deviation"` // 限价偏离最新价比例上限
}

// Rejection 一次风控拒绝的事件载荷
type Rejection struct {
	StrategyID string             `json:"strategy_id"`
	Request    model.OrderRequest `json:"request"`
	Reasons    []string           `json:"reasons"`
}

// Engine 下单前风控。
// 所有规则并发评估且不短路，拒绝时聚合全部原因，方便策略作者一次看全。
// 规则本身无副作用，报单频率计数只在放行后由引擎记录。
type Engine struct {
	log    *zap.Logger
	bus    *event.Bus
	rules  []Rule
	window *rateWindow
}

// NewEngine 按配置装配规则集
func NewEngine(cfg Config, bus *event.Bus, positions PositionView, orders OrderView, prices domain.PriceSource, log *zap.Logger) *Engine {
	e := &Engine{
		log:    log.Named("risk"),
		bus:    bus,
		window: newRateWindow(),
	}
	if cfg.MaxOrderVolume > 0 {
		e.rules = append(e.rules, maxOrderVolumeRule{limit: cfg.MaxOrderVolume})
	}
	if cfg.MaxPositionVolume > 0 {
		e.rules = append(e.rules, maxPositionVolumeRule{limit: cfg.MaxPositionVolume, positions: positions})
	}
	if cfg.MaxDailyLoss > 0 {
		e.rules = append(e.rules, maxDailyLossRule{limit: cfg.MaxDailyLoss, positions: positions})
	}
	if cfg.MaxActiveOrders > 0 {
		e.rules = append(e.rules, maxActiveOrdersRule{limit: cfg.MaxActiveOrders, orders: orders})
	}
	if cfg.MaxOrdersPerSec > 0 {
		e.rules = append(e.rules, orderRateRule{limit: cfg.MaxOrdersPerSec, window: e.window})
	}
	if cfg.MaxPriceDeviation > 0 {
		e.rules = append(e.rules, priceDeviationRule{maxDeviation: cfg.MaxPriceDeviation, prices: prices})
	}
	e.log.Info("risk engine ready", zap.Int("rules", len(e.rules)))
	return e
}

// CheckOrder 对一笔下单意图做风控。
// 通过返回 nil 并记一次报单频率；拒绝返回 RiskRejectedError 并发布
// risk.rejected 事件，原因列表按规则名排序保证可复现。
func (e *Engine) CheckOrder(strategyID string, req model.OrderRequest) error {
	check := Check{StrategyID: strategyID, Request: req, Now: time.Now()}

	var mu sync.Mutex
	var reasons []string
	var wg conc.WaitGroup
	for _, rule := range e.rules {
		rule := rule
		wg.Go(func() {
			if reason := rule.Evaluate(check); reason != "" {
				mu.Lock()
				reasons = append(reasons, reason)
				mu.Unlock()
			}
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		// 规则崩溃按拒绝处理，宁可错杀不可放过
		mu.Lock()
		reasons = append(reasons, fmt.Sprintf("rule panic: %v", recovered.Value))
		mu.Unlock()
		e.log.Error("risk rule panic", zap.Any("panic", recovered.Value))
	}

	if len(reasons) > 0 {
		sort.Strings(reasons)
		e.log.Warn("order rejected by risk",
			zap.String("strategy_id", strategyID),
			zap.String("symbol", req.Symbol),
			zap.Strings("reasons", reasons))
		_ = e.bus.Publish(event.Event{
			Type:   constants.EventRiskRejected,
			Source: "risk",
			Data:   Rejection{StrategyID: strategyID, Request: req, Reasons: reasons},
		})
		return &domain.RiskRejectedError{StrategyID: strategyID, Reasons: reasons}
	}

	e.window.record(strategyID, check.Now)
	_ = e.bus.Publish(event.Event{
		Type:   constants.EventRiskApproved,
		Source: "risk",
		Data:   Rejection{StrategyID: strategyID, Request: req},
	})
	return nil
}

// rateWindow 按秒分桶的报单计数
type rateWindow struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int // strategyID -> unix 秒 -> 次数
}

func newRateWindow() *rateWindow {
	return &rateWindow{buckets: make(map[string]map[int64]int)}
}

func (w *rateWindow) count(strategyID string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buckets[strategyID][now.Unix()]
}

func (w *rateWindow) record(strategyID string, now time.Time) {
	sec := now.Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.buckets[strategyID]
	if b == nil {
		b = make(map[int64]int)
		w.buckets[strategyID] = b
	}
	b[sec]++
	// 顺手清掉过期桶，防止长跑泄漏
	for s := range b {
		if s < sec-1 {
			delete(b, s)
		}
	}
}
