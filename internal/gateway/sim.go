package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"qftrade.com/internal/domain"
	"qftrade.com/internal/model"
)

// SimConfig 模拟网关配置
type SimConfig struct {
	Symbols     []string           `mapstructure:"symbols"`       // 有行情的合约
	BasePrices  map[string]float64 `mapstructure:"base_prices"`   // 起始价，缺省 3500
	TicksPerSec float64            `mapstructure:"ticks_per_sec"` // 每合约每秒行情条数
	FillDelay   time.Duration      `mapstructure:"fill_delay"`    // 确认到成交的延迟
	Seed        int64              `mapstructure:"seed"`          // 随机种子，0 用时间
}

// Sim 模拟网关：随机游走行情 + 先确认后成交的订单仿真。
// 用于无真实柜台环境下联调整条链路，回调线程模型与真实网关一致。
type Sim struct {
	log *zap.Logger
	cfg SimConfig
	cb  domain.GatewayCallbacks

	limiter *rate.Limiter

	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[string]float64
	volumes    map[string]float64
	subscribed map[string]struct{}
	connected  bool
	tradeSeq   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Gateway = (*Sim)(nil)

func NewSim(cfg SimConfig, log *zap.Logger) *Sim {
	if cfg.TicksPerSec <= 0 {
		cfg.TicksPerSec = 2
	}
	if cfg.FillDelay <= 0 {
		cfg.FillDelay = 50 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	prices := make(map[string]float64)
	for _, sym := range cfg.Symbols {
		if base, ok := cfg.BasePrices[sym]; ok && base > 0 {
			prices[sym] = base
		} else {
			prices[sym] = 3500
		}
	}
	return &Sim{
		log:        log.Named("sim"),
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.TicksPerSec), 1),
		rng:        rand.New(rand.NewSource(seed)),
		prices:     prices,
		volumes:    make(map[string]float64),
		subscribed: make(map[string]struct{}),
	}
}

// SetCallbacks 注册回调，必须在 Connect 之前
func (s *Sim) SetCallbacks(cb domain.GatewayCallbacks) {
	s.cb = cb
}

// Connect 模拟完整的连接握手，走完 CONNECTING → READY 全过程
func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	for _, st := range []domain.ConnectionState{
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateLoggedIn,
		domain.StateReady,
	} {
		s.notifyState(st)
	}

	s.wg.Add(1)
	go s.tickLoop()

	if s.cb.OnAccountUpdate != nil {
		s.cb.OnAccountUpdate(domain.AccountUpdate{
			Balance:   1_000_000,
			Available: 1_000_000,
		})
	}
	s.log.Info("sim gateway connected", zap.Strings("symbols", s.cfg.Symbols))
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.notifyState(domain.StateDisconnected)
	s.log.Info("sim gateway closed")
	return nil
}

func (s *Sim) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
		if _, ok := s.prices[sym]; !ok {
			s.prices[sym] = 3500
		}
	}
	return nil
}

func (s *Sim) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	return nil
}

// SendOrder 异步仿真订单生命周期：确认、然后一次性成交。
// 市价单按当前模拟价成交，限价单按委托价成交。
func (s *Sim) SendOrder(order model.Order) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return domain.ErrNotConnected
	}
	if order.Type == model.OrderTypeLimit && order.Price <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit order needs a price", domain.ErrInvalidInput)
	}
	s.tradeSeq++
	tradeID := fmt.Sprintf("sim-%d", s.tradeSeq)
	fillPrice := order.Price
	if order.Type == model.OrderTypeMarket {
		fillPrice = s.prices[order.Symbol]
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.cb.OnOrderUpdate != nil {
			s.cb.OnOrderUpdate(domain.OrderUpdate{
				OrderID: order.OrderID,
				Status:  model.OrderStatusSubmitted,
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.FillDelay):
		}
		if s.cb.OnTrade != nil {
			s.cb.OnTrade(model.Trade{
				TradeID:   tradeID,
				OrderID:   order.OrderID,
				Price:     fillPrice,
				Volume:    order.Volume,
				Timestamp: time.Now(),
			})
		}
	}()
	return nil
}

// CancelOrder 成交仿真是即时的，撤单到达时订单早已成交
func (s *Sim) CancelOrder(orderID string) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return domain.ErrNotConnected
	}
	return nil
}

func (s *Sim) QueryOrders() ([]domain.OrderUpdate, error) {
	return nil, nil
}

func (s *Sim) notifyState(st domain.ConnectionState) {
	if s.cb.OnConnectionState != nil {
		s.cb.OnConnectionState(st)
	}
}

// tickLoop 按限速为每个订阅合约产生随机游走行情
func (s *Sim) tickLoop() {
	defer s.wg.Done()
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		s.mu.Lock()
		ticks := make([]model.Tick, 0, len(s.subscribed))
		for sym := range s.subscribed {
			price := s.prices[sym]
			// 最大 ±0.1% 的随机游走
			price *= 1 + (s.rng.Float64()-0.5)*0.002
			s.prices[sym] = price
			s.volumes[sym] += float64(1 + s.rng.Intn(10))
			ticks = append(ticks, model.Tick{
				Symbol:    sym,
				Exchange:  "SIM",
				LastPrice: price,
				Volume:    s.volumes[sym],
				Timestamp: time.Now(),
			})
		}
		s.mu.Unlock()

		if s.cb.OnTick != nil {
			for _, tick := range ticks {
				s.cb.OnTick(tick)
			}
		}
	}
}
