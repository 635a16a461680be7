package account

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

// lot 一笔开仓剩余的未平数量
type lot struct {
	price  float64
	volume int
}

type posKey struct {
	strategyID string
	symbol     string
	direction  model.Direction
}

// position 内部持仓账本，lots 按开仓先后排列，平仓先进先出
type position struct {
	mu       sync.Mutex
	symbol   string
	lots     []lot
	realized float64
	updated  time.Time
}

// Tracker 按策略维度记账：持仓、已实现/未实现盈亏、账户资金。
// 成交回报是唯一改变持仓的入口，未实现盈亏读取时按最新价惰性计算。
type Tracker struct {
	log    *zap.Logger
	bus    *event.Bus
	prices domain.PriceSource
	db     *gorm.DB

	mu        sync.RWMutex
	positions map[posKey]*position

	acctMu    sync.RWMutex
	balance   float64
	available float64
	margin    float64

	dayMu    sync.Mutex
	day      string
	dayPnl   map[string]float64 // strategyID -> 当日已实现盈亏
}

// NewTracker 创建账户跟踪器。db 为 nil 时持仓不落库。
func NewTracker(bus *event.Bus, prices domain.PriceSource, db *gorm.DB, log *zap.Logger) *Tracker {
	return &Tracker{
		log:       log.Named("account"),
		bus:       bus,
		prices:    prices,
		db:        db,
		positions: make(map[posKey]*position),
		dayPnl:    make(map[string]float64),
	}
}

// OnTrade 消化一笔成交回报。
// 开仓方向记新 lot；平仓按先进先出消耗对侧方向的 lots 并结算已实现盈亏。
func (t *Tracker) OnTrade(trade model.Trade) {
	dir := trade.Direction
	if trade.Offset == model.OffsetClose {
		// 平仓单的方向与被平持仓相反
		dir = trade.Direction.Opposite()
	}
	key := posKey{strategyID: trade.StrategyID, symbol: trade.Symbol, direction: dir}
	pos := t.position(key)

	pos.mu.Lock()
	var realizedDelta float64
	if trade.Offset == model.OffsetOpen {
		pos.lots = append(pos.lots, lot{price: trade.Price, volume: trade.Volume})
	} else {
		realizedDelta = t.closeFIFO(pos, dir, trade)
		pos.realized += realizedDelta
	}
	pos.updated = trade.Timestamp
	snapshot := t.snapshotLocked(key, pos)
	pos.mu.Unlock()

	if realizedDelta != 0 {
		t.addDailyPnl(trade.StrategyID, realizedDelta)
	}

	t.persist(snapshot)
	_ = t.bus.Publish(event.Event{
		Type:   constants.EventPositionUpdated,
		Source: "account",
		Data:   snapshot,
	})
}

// closeFIFO 按先进先出消耗 lots，返回本笔的已实现盈亏。
// 平仓量超过持仓量属于上游对账异常，多出的部分丢弃并告警。
func (t *Tracker) closeFIFO(pos *position, dir model.Direction, trade model.Trade) float64 {
	remaining := trade.Volume
	var realized float64
	for remaining > 0 && len(pos.lots) > 0 {
		l := &pos.lots[0]
		take := l.volume
		if take > remaining {
			take = remaining
		}
		if dir == model.DirectionLong {
			realized += (trade.Price - l.price) * float64(take)
		} else {
			realized += (l.price - trade.Price) * float64(take)
		}
		l.volume -= take
		remaining -= take
		if l.volume == 0 {
			pos.lots = pos.lots[1:]
		}
	}
	if remaining > 0 {
		t.log.Warn("close volume exceeds position, excess ignored",
			zap.String("strategy_id", trade.StrategyID),
			zap.String("symbol", trade.Symbol),
			zap.Int("excess", remaining))
	}
	return realized
}

// Position 返回某策略某合约某方向的持仓快照
func (t *Tracker) Position(strategyID, symbol string, dir model.Direction) (model.Position, bool) {
	key := posKey{strategyID: strategyID, symbol: symbol, direction: dir}
	t.mu.RLock()
	pos, ok := t.positions[key]
	t.mu.RUnlock()
	if !ok {
		return model.Position{}, false
	}
	pos.mu.Lock()
	defer pos.mu.Unlock()
	return t.snapshotLocked(key, pos), true
}

// Positions 返回某策略的全部非零持仓；strategyID 为空时返回所有策略的
func (t *Tracker) Positions(strategyID string) []model.Position {
	t.mu.RLock()
	keys := make([]posKey, 0, len(t.positions))
	for k := range t.positions {
		if strategyID == "" || k.strategyID == strategyID {
			keys = append(keys, k)
		}
	}
	t.mu.RUnlock()

	out := make([]model.Position, 0, len(keys))
	for _, k := range keys {
		if snap, ok := t.Position(k.strategyID, k.symbol, k.direction); ok && snap.Volume > 0 {
			out = append(out, snap)
		}
	}
	return out
}

// NetVolume 返回某策略某合约的净持仓量（多仓为正）
func (t *Tracker) NetVolume(strategyID, symbol string) int {
	net := 0
	if p, ok := t.Position(strategyID, symbol, model.DirectionLong); ok {
		net += p.Volume
	}
	if p, ok := t.Position(strategyID, symbol, model.DirectionShort); ok {
		net -= p.Volume
	}
	return net
}

// RealizedToday 返回某策略当日已实现盈亏，亏损为负
func (t *Tracker) RealizedToday(strategyID string) float64 {
	t.dayMu.Lock()
	defer t.dayMu.Unlock()
	t.rollDayLocked()
	return t.dayPnl[strategyID]
}

// OnAccountUpdate 网关推送的资金快照
func (t *Tracker) OnAccountUpdate(u domain.AccountUpdate) {
	t.acctMu.Lock()
	t.balance = u.Balance
	t.available = u.Available
	t.margin = u.Margin
	t.acctMu.Unlock()

	_ = t.bus.Publish(event.Event{
		Type:   constants.EventAccountUpdated,
		Source: "account",
		Data:   u,
	})
}

// Summary 聚合账户快照
func (t *Tracker) Summary() model.AccountSummary {
	t.acctMu.RLock()
	sum := model.AccountSummary{
		Balance:   t.balance,
		Available: t.available,
		Margin:    t.margin,
	}
	t.acctMu.RUnlock()

	for _, p := range t.Positions("") {
		sum.RealizedPnl += p.RealizedPnl
		sum.UnrealizedPnl += p.UnrealizedPnl
		sum.PositionCount++
	}
	return sum
}

func (t *Tracker) position(key posKey) *position {
	t.mu.RLock()
	pos, ok := t.positions[key]
	t.mu.RUnlock()
	if ok {
		return pos
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok = t.positions[key]; ok {
		return pos
	}
	pos = &position{symbol: key.symbol}
	t.positions[key] = pos
	return pos
}

// snapshotLocked 生成持仓快照，调用方须持有 pos.mu
func (t *Tracker) snapshotLocked(key posKey, pos *position) model.Position {
	var volume int
	var cost float64
	for _, l := range pos.lots {
		volume += l.volume
		cost += l.price * float64(l.volume)
	}
	snap := model.Position{
		StrategyID:  key.strategyID,
		Symbol:      key.symbol,
		Direction:   key.direction,
		Volume:      volume,
		RealizedPnl: pos.realized,
		UpdatedAt:   pos.updated,
	}
	if volume > 0 {
		snap.AvgPrice = cost / float64(volume)
		if last, ok := t.prices.LastPrice(key.symbol); ok {
			if key.direction == model.DirectionLong {
				snap.UnrealizedPnl = (last - snap.AvgPrice) * float64(volume)
			} else {
				snap.UnrealizedPnl = (snap.AvgPrice - last) * float64(volume)
			}
		}
	}
	return snap
}

func (t *Tracker) addDailyPnl(strategyID string, delta float64) {
	t.dayMu.Lock()
	defer t.dayMu.Unlock()
	t.rollDayLocked()
	t.dayPnl[strategyID] += delta
}

// rollDayLocked 跨自然日时清零当日盈亏，调用方须持有 dayMu
func (t *Tracker) rollDayLocked() {
	today := time.Now().Format("2006-01-02")
	if t.day != today {
		t.day = today
		t.dayPnl = make(map[string]float64)
	}
}

func (t *Tracker) persist(snap model.Position) {
	if t.db == nil {
		return
	}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_id"}, {Name: "symbol"}, {Name: "direction"}},
		UpdateAll: true,
	}).Create(&snap).Error
	if err != nil {
		t.log.Error("persist position failed",
			zap.String("strategy_id", snap.StrategyID),
			zap.String("symbol", snap.Symbol),
			zap.Error(err))
	}
}
