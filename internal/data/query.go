package data

import (
	"time"

	"qftrade.com/internal/domain"
	"qftrade.com/internal/model"
)

// QueryTicks 查询某合约一段时间内的历史 tick，按时间升序
func (s *Service) QueryTicks(symbol string, start, end time.Time, limit int) ([]model.Tick, error) {
	if s.db == nil {
		return nil, domain.ErrInvalidInput
	}
	if limit <= 0 {
		limit = 1000
	}
	var ticks []model.Tick
	err := s.db.
		Where("symbol = ? AND timestamp >= ? AND timestamp < ?", symbol, start, end).
		Order("timestamp asc").
		Limit(limit).
		Find(&ticks).Error
	return ticks, err
}

// QueryBars 查询某合约某周期的历史 K 线，按起始时间升序
func (s *Service) QueryBars(symbol, period string, start, end time.Time, limit int) ([]model.Bar, error) {
	if s.db == nil {
		return nil, domain.ErrInvalidInput
	}
	if limit <= 0 {
		limit = 1000
	}
	var bars []model.Bar
	err := s.db.
		Where("symbol = ? AND period = ? AND start_time >= ? AND start_time < ?", symbol, period, start, end).
		Order("start_time asc").
		Limit(limit).
		Find(&bars).Error
	return bars, err
}
