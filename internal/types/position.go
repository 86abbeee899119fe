package types

import (
	"time"
)

// PositionStatus 是单个标的的持仓状态；SHORT 仅作保留，不会进入。
type PositionStatus string

const (
	StatusFlat  PositionStatus = "FLAT"
	StatusLong  PositionStatus = "LONG"
	StatusShort PositionStatus = "SHORT"
)

// PositionSnapshot 是某一时刻的持仓快照，供决策上下文与进度上报使用。
type PositionSnapshot struct {
	Symbol        string         `json:"symbol"`
	Status        PositionStatus `json:"status"`
	EntryPrice    float64        `json:"entry_price"`
	EntryTime     time.Time      `json:"entry_time"`
	Quantity      int64          `json:"quantity"`
	CurrentPrice  float64        `json:"current_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	PositionValue float64        `json:"position_value"`
}

// PortfolioState 是每根 K 线交给编排层的账户快照。
type PortfolioState struct {
	TotalValue     float64          `json:"total_value"`
	AvailableCash  float64          `json:"available_cash"`
	Position       PositionSnapshot `json:"position"`
	TradesExecuted int              `json:"trades_executed"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Exposure 返回持仓市值占组合总值的比例。
func (p PortfolioState) Exposure() float64 {
	if p.TotalValue <= 0 {
		return 0
	}
	return p.Position.PositionValue / p.TotalValue
}
