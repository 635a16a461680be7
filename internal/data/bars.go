package data

import (
	"fmt"
	"sync"
	"time"

	"qftrade.com/internal/model"
)

type barPeriod struct {
	label    string
	duration time.Duration
}

// BarManager 把 tick 流聚合成多周期 K 线。
// K 线按自然时间对齐（1m 线起点在整分），跨越周期边界的第一笔 tick
// 触发上一根 K 线收盘。
type BarManager struct {
	periods []barPeriod
	onClose func(model.Bar)

	mu      sync.Mutex
	open    map[string]map[string]*model.Bar // symbol -> period -> 进行中的 K 线
	cumVol  map[string]float64               // symbol -> 最近一笔 tick 的当日累计成交量
}

// NewBarManager 创建 K 线聚合器。periods 为空时聚合被关闭。
// 周期写法同 time.ParseDuration，如 "1m"、"5m"、"1h"。
func NewBarManager(periods []string, onClose func(model.Bar)) (*BarManager, error) {
	m := &BarManager{
		onClose: onClose,
		open:    make(map[string]map[string]*model.Bar),
		cumVol:  make(map[string]float64),
	}
	for _, p := range periods {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid bar period %q", p)
		}
		m.periods = append(m.periods, barPeriod{label: p, duration: d})
	}
	return m, nil
}

// OnTick 推进所有周期的 K 线聚合
func (m *BarManager) OnTick(tick model.Tick) {
	if len(m.periods) == 0 {
		return
	}

	m.mu.Lock()
	// 期货行情的 Volume 是当日累计值，K 线量取增量
	prev := m.cumVol[tick.Symbol]
	delta := tick.Volume - prev
	if delta < 0 {
		delta = 0 // 新交易日累计量归零
	}
	m.cumVol[tick.Symbol] = tick.Volume

	var closed []model.Bar
	byPeriod := m.open[tick.Symbol]
	if byPeriod == nil {
		byPeriod = make(map[string]*model.Bar)
		m.open[tick.Symbol] = byPeriod
	}

	for _, p := range m.periods {
		start := tick.Timestamp.Truncate(p.duration)
		bar := byPeriod[p.label]
		if bar != nil && !bar.StartTime.Equal(start) {
			closed = append(closed, *bar)
			bar = nil
		}
		if bar == nil {
			bar = &model.Bar{
				Symbol:    tick.Symbol,
				Exchange:  tick.Exchange,
				Period:    p.label,
				Open:      tick.LastPrice,
				High:      tick.LastPrice,
				Low:       tick.LastPrice,
				StartTime: start,
			}
			byPeriod[p.label] = bar
		}
		if tick.LastPrice > bar.High {
			bar.High = tick.LastPrice
		}
		if tick.LastPrice < bar.Low {
			bar.Low = tick.LastPrice
		}
		bar.Close = tick.LastPrice
		bar.Volume += delta
	}
	m.mu.Unlock()

	// 收盘回调放在锁外，回调里会发事件
	for _, bar := range closed {
		m.onClose(bar)
	}
}

// Flush 强制收掉所有进行中的 K 线，停机时调用
func (m *BarManager) Flush() {
	m.mu.Lock()
	var closed []model.Bar
	for _, byPeriod := range m.open {
		for _, bar := range byPeriod {
			closed = append(closed, *bar)
		}
	}
	m.open = make(map[string]map[string]*model.Bar)
	m.mu.Unlock()

	for _, bar := range closed {
		m.onClose(bar)
	}
}
