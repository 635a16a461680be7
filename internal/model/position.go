package model

import (
	"time"
)

// Position 表示一个策略在某合约某方向上的持仓
// 每 (strategy, symbol, direction) 一行，只由 AccountTracker 更新
type Position struct {
	StrategyID    string    `gorm:"primaryKey" json:"strategy_id"`
	Symbol        string    `gorm:"primaryKey" json:"symbol"`
	Direction     Direction `gorm:"primaryKey" json:"direction"`
	Volume        int       `json:"volume"`
	AvgPrice      float64   `json:"avg_price"`
	RealizedPnl   float64   `json:"realized_pnl"`
	UnrealizedPnl float64   `gorm:"-" json:"unrealized_pnl"` // 读取时按最新价惰性计算
	UpdatedAt     time.Time `json:"updated_at"`
}

// AccountSummary 账户快照
type AccountSummary struct {
	Balance       float64 `json:"balance"`
	Available     float64 `json:"available"`
	Margin        float64 `json:"margin"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	PositionCount int     `json:"position_count"`
}
