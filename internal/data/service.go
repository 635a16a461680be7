package data

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

// Config 行情服务配置
type Config struct {
	Persist       bool          `mapstructure:"persist"`        // 是否落库
	FlushInterval time.Duration `mapstructure:"flush_interval"` // 批量落库间隔
	BatchSize     int           `mapstructure:"batch_size"`     // 落库批量阈值
	MaxPending    int           `mapstructure:"max_pending"`    // 待落库缓冲上限，超过丢最旧
	BarPeriods    []string      `mapstructure:"bar_periods"`    // K 线周期，如 ["1m","5m"]
}

// Service 行情服务。
// 对上游：作为网关 tick 回调的落点，维护合约订阅引用计数；
// 对下游：缓存最新 tick，按策略扇出行情事件，聚合 K 线，批量落库。
type Service struct {
	log       *zap.Logger
	bus       *event.Bus
	gw        domain.Gateway
	db        *gorm.DB
	bars      *BarManager
	persister *Persister

	mu           sync.RWMutex
	refs         map[string]int                 // symbol -> 订阅计数
	strategySubs map[string]map[string]struct{} // strategyID -> symbols
	lastTicks    map[string]model.Tick
}

var _ domain.PriceSource = (*Service)(nil)

// NewService 创建行情服务。db 为 nil 或 Persist 为 false 时不落库。
func NewService(cfg Config, bus *event.Bus, gw domain.Gateway, db *gorm.DB, log *zap.Logger) (*Service, error) {
	s := &Service{
		log:          log.Named("data"),
		bus:          bus,
		gw:           gw,
		db:           db,
		refs:         make(map[string]int),
		strategySubs: make(map[string]map[string]struct{}),
		lastTicks:    make(map[string]model.Tick),
	}

	bars, err := NewBarManager(cfg.BarPeriods, s.onBarClosed)
	if err != nil {
		return nil, err
	}
	s.bars = bars

	if cfg.Persist && db != nil {
		s.persister = NewPersister(db, cfg.FlushInterval, cfg.BatchSize, cfg.MaxPending, s.log)
	}
	return s, nil
}

// Start 启动后台落库协程
func (s *Service) Start() {
	if s.persister != nil {
		s.persister.Start()
	}
	s.log.Info("data service started")
}

// Stop 停止服务：强制收掉进行中的 K 线并刷出未落库数据
func (s *Service) Stop() {
	s.bars.Flush()
	if s.persister != nil {
		s.persister.Stop()
	}
	s.log.Info("data service stopped")
}

// Subscribe 为某策略订阅一组合约。
// 引用计数从 0 变 1 时才向网关发起真正的订阅；重复订阅只增加计数。
func (s *Service) Subscribe(strategyID string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	s.mu.Lock()
	var fresh []string
	subs := s.strategySubs[strategyID]
	if subs == nil {
		subs = make(map[string]struct{})
		s.strategySubs[strategyID] = subs
	}
	for _, sym := range symbols {
		if _, ok := subs[sym]; ok {
			continue // 同一策略对同一合约不重复计数
		}
		subs[sym] = struct{}{}
		s.refs[sym]++
		if s.refs[sym] == 1 {
			fresh = append(fresh, sym)
		}
	}
	s.mu.Unlock()

	if len(fresh) > 0 {
		if err := s.gw.Subscribe(fresh); err != nil {
			return fmt.Errorf("gateway subscribe %v: %w", fresh, err)
		}
		s.log.Info("subscribed market data", zap.Strings("symbols", fresh))
	}
	return nil
}

// Unsubscribe 为某策略退订一组合约，计数归零时向网关退订
func (s *Service) Unsubscribe(strategyID string, symbols []string) error {
	s.mu.Lock()
	var dead []string
	subs := s.strategySubs[strategyID]
	for _, sym := range symbols {
		if subs == nil {
			break
		}
		if _, ok := subs[sym]; !ok {
			continue
		}
		delete(subs, sym)
		s.refs[sym]--
		if s.refs[sym] <= 0 {
			delete(s.refs, sym)
			dead = append(dead, sym)
		}
	}
	s.mu.Unlock()

	if len(dead) > 0 {
		if err := s.gw.Unsubscribe(dead); err != nil {
			return fmt.Errorf("gateway unsubscribe %v: %w", dead, err)
		}
		s.log.Info("unsubscribed market data", zap.Strings("symbols", dead))
	}
	return nil
}

// UnsubscribeAll 清掉某策略的全部订阅，策略停止时调用
func (s *Service) UnsubscribeAll(strategyID string) error {
	s.mu.RLock()
	subs := s.strategySubs[strategyID]
	symbols := make([]string, 0, len(subs))
	for sym := range subs {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	if err := s.Unsubscribe(strategyID, symbols); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.strategySubs, strategyID)
	s.mu.Unlock()
	return nil
}

// Resubscribe 重连后按当前引用计数向网关重新订阅全部合约
func (s *Service) Resubscribe() error {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.refs))
	for sym := range s.refs {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	s.log.Info("resubscribing after reconnect", zap.Int("count", len(symbols)))
	return s.gw.Subscribe(symbols)
}

// OnTick 行情入口，由网关回调线程调用。
// 缓存最新价，发布原始 tick 与按策略扇出的 tick 事件，推进 K 线聚合。
func (s *Service) OnTick(tick model.Tick) {
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.lastTicks[tick.Symbol] = tick
	var targets []string
	for sid, subs := range s.strategySubs {
		if _, ok := subs[tick.Symbol]; ok {
			targets = append(targets, sid)
		}
	}
	s.mu.Unlock()

	// 行情事件允许在队列满时丢弃，错误只计数不上抛
	_ = s.bus.Publish(event.Event{
		Type:      constants.EventTickRaw,
		Source:    "data",
		Data:      tick,
		Timestamp: tick.Timestamp,
	})
	for _, sid := range targets {
		_ = s.bus.Publish(event.Event{
			Type:      constants.EventTickPrefix + sid,
			Source:    "data",
			Data:      tick,
			Timestamp: tick.Timestamp,
		})
	}

	s.bars.OnTick(tick)

	if s.persister != nil {
		s.persister.AddTick(tick)
	}
}

// onBarClosed K 线收盘回调
func (s *Service) onBarClosed(bar model.Bar) {
	_ = s.bus.Publish(event.Event{
		Type:      constants.EventBarPrefix + bar.Symbol + "." + bar.Period,
		Source:    "data",
		Data:      bar,
		Timestamp: bar.StartTime,
	})
	if s.persister != nil {
		s.persister.AddBar(bar)
	}
}

// LastPrice 返回合约最新价，无行情时 ok 为 false
func (s *Service) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.lastTicks[symbol]
	if !ok {
		return 0, false
	}
	return tick.LastPrice, true
}

// LastTick 返回合约最新 tick 快照
func (s *Service) LastTick(symbol string) (model.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.lastTicks[symbol]
	return tick, ok
}

// Subscriptions 返回某策略当前订阅的合约列表
func (s *Service) Subscriptions(strategyID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.strategySubs[strategyID]
	out := make([]string, 0, len(subs))
	for sym := range subs {
		out = append(out, sym)
	}
	return out
}
