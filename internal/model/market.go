package model

import (
	"time"
)

// Tick 表示一次实时行情快照
type Tick struct {
	Symbol       string    `gorm:"primaryKey;index:idx_tick_symbol_time" json:"symbol"`
	Exchange     string    `json:"exchange"`
	LastPrice    float64   `json:"last_price"`
	Volume       float64   `json:"volume"`
	Turnover     float64   `json:"turnover"`
	OpenInterest float64   `json:"open_interest"`
	Timestamp    time.Time `gorm:"primaryKey;index:idx_tick_symbol_time" json:"timestamp"`
}

// Bar 表示一个周期的 OHLCV K线
type Bar struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	Exchange  string    `json:"exchange"`
	Period    string    `gorm:"primaryKey" json:"period"` // "1m", "5m", ...
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	StartTime time.Time `gorm:"primaryKey" json:"start_time"`
}
