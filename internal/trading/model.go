package trading

import (
	"time"

	"trdr/internal/types"
)

// Side 标记成交记录的方向。
type Side string

const (
	// SideBuyEntry 是开仓时的遥测记录，不进入成交历史。
	SideBuyEntry Side = "BUY_ENTRY"
	// SideLong 是一笔完整的多头往返交易。
	SideLong Side = "LONG"
)

// Position 是当前唯一的持仓；平仓后由 PositionManager 置为 nil。
type Position struct {
	Symbol          string               `json:"symbol"`
	Status          types.PositionStatus `json:"status"`
	EntryPrice      float64              `json:"entry_price"`
	EntryTime       time.Time            `json:"entry_time"`
	Quantity        int64                `json:"quantity"`
	CurrentPrice    float64              `json:"current_price"`
	LastUpdate      time.Time            `json:"last_update"`
	UnrealizedPnL   float64              `json:"unrealized_pnl"`
	MFE             float64              `json:"mfe"`
	MAE             float64              `json:"mae"`
	EntryCommission float64              `json:"entry_commission"`
	EntrySlippage   float64              `json:"entry_slippage"`
	TradeID         int64                `json:"trade_id"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// MarketValue 返回按当前价计算的持仓市值。
func (p *Position) MarketValue() float64 {
	if p == nil {
		return 0
	}
	return float64(p.Quantity) * p.CurrentPrice
}

// Trade 是不可变的成交记录。Commission 为平仓手续费，开仓手续费见 EntryCommission。
type Trade struct {
	TradeID            int64          `json:"trade_id"`
	Symbol             string         `json:"symbol"`
	Side               Side           `json:"side"`
	EntryPrice         float64        `json:"entry_price"`
	EntryTime          time.Time      `json:"entry_time"`
	ExitPrice          float64        `json:"exit_price"`
	ExitTime           time.Time      `json:"exit_time"`
	Quantity           int64          `json:"quantity"`
	GrossPnL           float64        `json:"gross_pnl"`
	Commission         float64        `json:"commission"`
	EntryCommission    float64        `json:"entry_commission"`
	Slippage           float64        `json:"slippage"`
	NetPnL             float64        `json:"net_pnl"`
	HoldingPeriodHours float64        `json:"holding_period_hours"`
	MFE                float64        `json:"mfe"`
	MAE                float64        `json:"mae"`
	ExitReason         string         `json:"exit_reason,omitempty"`
	DecisionMetadata   map[string]any `json:"decision_metadata,omitempty"`
}

// IsWin 表示净盈亏为正。
func (t Trade) IsWin() bool { return t.NetPnL > 0 }

// Summary 是持仓与资金的概要。
type Summary struct {
	Status         types.PositionStatus `json:"status"`
	Symbol         string               `json:"symbol,omitempty"`
	Quantity       int64                `json:"quantity"`
	EntryPrice     float64              `json:"entry_price"`
	CurrentPrice   float64              `json:"current_price"`
	UnrealizedPnL  float64              `json:"unrealized_pnl"`
	Cash           float64              `json:"cash"`
	PortfolioValue float64              `json:"portfolio_value"`
	TotalTrades    int                  `json:"total_trades"`
	RealizedPnL    float64              `json:"realized_pnl"`
}

func cloneMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
