package decision

import (
	"trdr/internal/features"
	"trdr/internal/market"
	"trdr/internal/types"
)

// DecisionContext 汇总一次决策所需的输入。
type DecisionContext struct {
	Symbol    string
	Timeframe string
	Bar       market.Candle
	Window    []market.Candle
	Features  features.Snapshot
	Position  PositionState
	Portfolio types.PortfolioState
}

// ToMap 输出精简的上下文摘要，写入 reasoning。
func (c DecisionContext) ToMap() map[string]any {
	return map[string]any{
		"symbol":          c.Symbol,
		"timeframe":       c.Timeframe,
		"bar_time":        c.Bar.Time(),
		"close":           c.Bar.Close,
		"window":          len(c.Window),
		"position":        string(c.Position.Position),
		"portfolio_value": c.Portfolio.TotalValue,
		"available_cash":  c.Portfolio.AvailableCash,
	}
}
