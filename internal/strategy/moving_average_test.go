package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/event"
	"qftrade.com/internal/model"
)

func publishBars(t *testing.T, bus *event.Bus, closes []float64) {
	t.Helper()
	start := time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC)
	for i, c := range closes {
		_ = bus.Publish(event.Event{
			Type: constants.EventBarPrefix + "rb2510.1m",
			Data: model.Bar{
				Symbol:    "rb2510",
				Period:    "1m",
				Close:     c,
				StartTime: start.Add(time.Duration(i) * time.Minute),
			},
		})
	}
}

func TestMAStrategyGoldenCross(t *testing.T) {
	sd, deps, bus := newStubDeps(t)
	m := NewManager(deps, zap.NewNop())
	require.NoError(t, RegisterBuiltins(m))

	id, err := m.Load(TypeMovingAverage, map[string]any{
		"symbol": "rb2510",
		"fast":   2,
		"slow":   3,
		"volume": 1,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	// 先跌出死叉形态的前置均线，再拉出金叉
	publishBars(t, bus, []float64{100, 90, 80, 70, 100, 120})

	assert.Eventually(t, func() bool {
		sd.mu.Lock()
		defer sd.mu.Unlock()
		return len(sd.placed) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	sd.mu.Lock()
	defer sd.mu.Unlock()
	first := sd.placed[0]
	assert.Equal(t, model.DirectionLong, first.Direction)
	assert.Equal(t, model.OffsetOpen, first.Offset)
	assert.Equal(t, 1, first.Volume)
}

func TestMAStrategyParamValidation(t *testing.T) {
	_, err := newMAStrategy(map[string]any{"symbol": "rb2510", "fast": 20, "slow": 5})
	assert.Error(t, err)

	_, err = newMAStrategy(map[string]any{"fast": 2, "slow": 5})
	assert.Error(t, err)

	s, err := newMAStrategy(map[string]any{"symbol": "rb2510"})
	require.NoError(t, err)
	ma := s.(*maStrategy)
	assert.Equal(t, 5, ma.fast)
	assert.Equal(t, 20, ma.slow)
	assert.Equal(t, "1m", ma.period)
}

func TestConditionStrategyTriggersOnce(t *testing.T) {
	sd, deps, bus := newStubDeps(t)
	m := NewManager(deps, zap.NewNop())
	require.NoError(t, RegisterBuiltins(m))

	id, err := m.Load(TypeCondition, map[string]any{
		"symbol":    "rb2510",
		"operator":  ">=",
		"trigger":   3600,
		"direction": "long",
		"offset":    "open",
		"volume":    2,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	tick := func(price float64) {
		_ = bus.Publish(event.Event{
			Type: constants.EventTickPrefix + id,
			Data: model.Tick{Symbol: "rb2510", LastPrice: price},
		})
	}

	tick(3550) // 未触线
	tick(3605) // 触发
	tick(3700) // 已触发过，不再下单

	assert.Eventually(t, func() bool {
		sd.mu.Lock()
		defer sd.mu.Unlock()
		return len(sd.placed) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	require.Len(t, sd.placed, 1)
	assert.Equal(t, 2, sd.placed[0].Volume)
	assert.Equal(t, 3605.0, sd.placed[0].Price)
}

func TestConditionStrategyParamValidation(t *testing.T) {
	_, err := newConditionStrategy(map[string]any{"symbol": "rb2510", "operator": "==", "trigger": 100, "direction": "long", "offset": "open", "volume": 1})
	assert.Error(t, err)

	_, err = newConditionStrategy(map[string]any{"symbol": "rb2510", "operator": ">=", "trigger": 100, "direction": "sideways", "offset": "open", "volume": 1})
	assert.Error(t, err)
}

func TestGridStrategyBuysDownSellsUp(t *testing.T) {
	sd, deps, bus := newStubDeps(t)
	m := NewManager(deps, zap.NewNop())
	require.NoError(t, RegisterBuiltins(m))

	id, err := m.Load(TypeGrid, map[string]any{
		"symbol":     "rb2510",
		"base_price": 3500,
		"grid_step":  10,
		"max_grids":  3,
		"volume":     1,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(id))

	tick := func(price float64) {
		_ = bus.Publish(event.Event{
			Type: constants.EventTickPrefix + id,
			Data: model.Tick{Symbol: "rb2510", LastPrice: price},
		})
	}

	tick(3490) // 下一格，买开
	tick(3480) // 再下一格，买开
	tick(3495) // 回升一格，卖平

	assert.Eventually(t, func() bool {
		sd.mu.Lock()
		defer sd.mu.Unlock()
		return len(sd.placed) == 3
	}, time.Second, 5*time.Millisecond)

	sd.mu.Lock()
	defer sd.mu.Unlock()
	assert.Equal(t, model.OffsetOpen, sd.placed[0].Offset)
	assert.Equal(t, model.DirectionLong, sd.placed[0].Direction)
	assert.Equal(t, model.OffsetOpen, sd.placed[1].Offset)
	assert.Equal(t, model.OffsetClose, sd.placed[2].Offset)
	assert.Equal(t, model.DirectionShort, sd.placed[2].Direction)
}
