package model

import (
	"time"
)

// Direction 买卖方向
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Offset 开平标志
type Offset string

const (
	OffsetOpen  Offset = "open"
	OffsetClose Offset = "close"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus 订单生命周期状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderRequest 策略的下单意图（尚未成为订单）
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Type      OrderType `json:"type"`
	Price     float64   `json:"price"`
	Volume    int       `json:"volume"`
}

// Order 订单记录，由 OrderManager 独占持有；策略只通过 OrderID 引用
type Order struct {
	OrderID      string      `gorm:"primaryKey" json:"order_id"`
	StrategyID   string      `gorm:"index" json:"strategy_id"`
	Symbol       string      `gorm:"index" json:"symbol"`
	Exchange     string      `json:"exchange"`
	Direction    Direction   `json:"direction"`
	Offset       Offset      `json:"offset"`
	Type         OrderType   `json:"type"`
	Price        float64     `json:"price"`
	Volume       int         `json:"volume"`
	FilledVolume int         `gorm:"default:0" json:"filled_volume"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `gorm:"index" json:"status"`
	StatusMsg    string      `json:"status_msg"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Request reconstructs the original intent from the order record.
func (o *Order) Request() OrderRequest {
	return OrderRequest{
		Symbol:    o.Symbol,
		Exchange:  o.Exchange,
		Direction: o.Direction,
		Offset:    o.Offset,
		Type:      o.Type,
		Price:     o.Price,
		Volume:    o.Volume,
	}
}

// IsActive reports whether the order can still receive fills or be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusSubmitted || o.Status == OrderStatusPartiallyFilled
}

// Trade 成交回报，只追加不修改
type Trade struct {
	TradeID    string    `gorm:"primaryKey" json:"trade_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	StrategyID string    `gorm:"index" json:"strategy_id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Direction  Direction `json:"direction"`
	Offset     Offset    `json:"offset"`
	Price      float64   `json:"price"`
	Volume     int       `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderStatusLog 订单状态变更历史
type OrderStatusLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   string    `gorm:"index;not null" json:"order_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
