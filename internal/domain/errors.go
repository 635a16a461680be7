package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 定义通用业务错误
var (
	ErrBusClosed         = errors.New("event bus is closed")
	ErrQueueFull         = errors.New("event queue full")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order already in terminal state")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrStrategyNotFound  = errors.New("strategy not found")
	ErrStrategyState     = errors.New("invalid strategy state")
	ErrNotConnected      = errors.New("gateway not connected")
	ErrAuthentication    = errors.New("gateway authentication failed")
	ErrInvalidInput      = errors.New("invalid input")
)

// RiskRejectedError 携带完整的风控拒绝原因列表。
// 风控拒绝是预期内的业务结果，不是系统故障。
type RiskRejectedError struct {
	StrategyID string
	Reasons    []string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.StrategyID, strings.Join(e.Reasons, "; "))
}

// StrategyLoadError 策略加载失败，只影响该策略自身
type StrategyLoadError struct {
	Name string
	Err  error
}

func (e *StrategyLoadError) Error() string {
	return fmt.Sprintf("load strategy %s: %v", e.Name, e.Err)
}

func (e *StrategyLoadError) Unwrap() error {
	return e.Err
}
