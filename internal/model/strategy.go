package model

import (
	"time"
)

// StrategyState 策略生命周期状态
// CREATED → INITIALIZED → RUNNING → STOPPED，STOPPED 后不可重入，
// 只能以新 uuid 重新加载。
type StrategyState string

const (
	StrategyStateCreated     StrategyState = "CREATED"
	StrategyStateInitialized StrategyState = "INITIALIZED"
	StrategyStateRunning     StrategyState = "RUNNING"
	StrategyStateStopped     StrategyState = "STOPPED"
)

// StrategyInfo 策略实例的只读快照，供外部看板查询
type StrategyInfo struct {
	ID            string         `json:"id"` // generated uuid, the sole external identifier
	Name          string         `json:"name"`
	State         StrategyState  `json:"state"`
	Params        map[string]any `json:"params"`
	Subscriptions []string       `json:"subscriptions"`
	LoadedAt      time.Time      `json:"loaded_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	StoppedAt     *time.Time     `json:"stopped_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}
