package backtest

import (
	"encoding/json"
	"math"
	"time"

	"trdr/internal/logger"
	"trdr/internal/performance"
	"trdr/internal/trading"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusHalted    = "halted"
	RunStatusFailed    = "failed"
)

// endOfBacktestReason 是回测结束时强制平仓的原因。
const endOfBacktestReason = "End of backtest period"

// cancelledReason 是取消时（断点保存之后）强制平仓的原因。
const cancelledReason = "Backtest cancelled"

// RunConfig 是本次回测的参数快照，随结果与断点一起保存以便重放。
type RunConfig struct {
	Strategy         string   `json:"strategy"`
	Symbol           string   `json:"symbol"`
	Timeframe        string   `json:"timeframe"`
	Timeframes       []string `json:"timeframes"`
	StartDate        string   `json:"start_date"`
	EndDate          string   `json:"end_date"`
	Mode             string   `json:"mode"`
	ConsensusMethod  string   `json:"consensus_method,omitempty"`
	InitialCapital   float64  `json:"initial_capital"`
	Commission       float64  `json:"commission"`
	Slippage         float64  `json:"slippage"`
	PositionSizePct  float64  `json:"position_size_pct"`
	WarmupBars       int      `json:"warmup_bars"`
	BankruptcyPolicy string   `json:"bankruptcy_policy"`
}

func (c RunConfig) toMap() map[string]any {
	return map[string]any{
		"strategy":          c.Strategy,
		"symbol":            c.Symbol,
		"timeframe":         c.Timeframe,
		"timeframes":        append([]string(nil), c.Timeframes...),
		"start_date":        c.StartDate,
		"end_date":          c.EndDate,
		"mode":              c.Mode,
		"consensus_method":  c.ConsensusMethod,
		"initial_capital":   finite(c.InitialCapital),
		"commission":        finite(c.Commission),
		"slippage":          finite(c.Slippage),
		"position_size_pct": finite(c.PositionSizePct),
		"warmup_bars":       c.WarmupBars,
		"bankruptcy_policy": c.BankruptcyPolicy,
	}
}

// Results 是一次回测的完整产出。
type Results struct {
	RunID            string                    `json:"run_id"`
	OperationID      string                    `json:"operation_id,omitempty"`
	StrategyName     string                    `json:"strategy_name"`
	Symbol           string                    `json:"symbol"`
	Timeframe        string                    `json:"timeframe"`
	Config           RunConfig                 `json:"config"`
	Trades           []trading.Trade           `json:"trades"`
	Metrics          performance.Metrics       `json:"metrics"`
	EquityCurve      []performance.EquityPoint `json:"equity_curve"`
	StartedAt        time.Time                 `json:"started_at"`
	FinishedAt       time.Time                 `json:"finished_at"`
	ExecutionSeconds float64                   `json:"execution_seconds"`
	BarsProcessed    int                       `json:"bars_processed"`
	Status           string                    `json:"status"`
	Warnings         []string                  `json:"warnings,omitempty"`
}

// FinalValue 返回权益曲线最后一个采样的组合价值，无采样时返回初始资金。
func (r *Results) FinalValue() float64 {
	if r == nil {
		return 0
	}
	if n := len(r.EquityCurve); n > 0 {
		return r.EquityCurve[n-1].PortfolioValue
	}
	return r.Config.InitialCapital
}

// ToDict 返回可直接 JSON 编码的结果；所有浮点都是有限值。
func (r *Results) ToDict() map[string]any {
	if r == nil {
		return map[string]any{}
	}
	trades := make([]any, 0, len(r.Trades))
	for _, t := range r.Trades {
		trades = append(trades, tradeDict(t))
	}
	curve := make([]any, 0, len(r.EquityCurve))
	for _, p := range r.EquityCurve {
		curve = append(curve, map[string]any{
			"timestamp":       formatTime(p.Timestamp),
			"price":           finite(p.Price),
			"portfolio_value": finite(p.PortfolioValue),
			"drawdown":        performance.Sanitize(p.Drawdown),
			"position_status": string(p.PositionStatus),
		})
	}
	warnings := append([]string{}, r.Warnings...)
	return map[string]any{
		"run_id":            r.RunID,
		"operation_id":      r.OperationID,
		"strategy_name":     r.StrategyName,
		"symbol":            r.Symbol,
		"timeframe":         r.Timeframe,
		"config":            r.Config.toMap(),
		"trades":            trades,
		"metrics":           metricsDict(r.Metrics),
		"equity_curve":      curve,
		"started_at":        formatTime(r.StartedAt),
		"finished_at":       formatTime(r.FinishedAt),
		"execution_seconds": finite(r.ExecutionSeconds),
		"bars_processed":    r.BarsProcessed,
		"status":            r.Status,
		"final_value":       finite(r.FinalValue()),
		"warnings":          warnings,
	}
}

func tradeDict(t trading.Trade) map[string]any {
	return map[string]any{
		"trade_id":             t.TradeID,
		"symbol":               t.Symbol,
		"side":                 string(t.Side),
		"entry_price":          finite(t.EntryPrice),
		"entry_time":           formatTime(t.EntryTime),
		"exit_price":           finite(t.ExitPrice),
		"exit_time":            formatTime(t.ExitTime),
		"quantity":             t.Quantity,
		"gross_pnl":            finite(t.GrossPnL),
		"commission":           finite(t.Commission),
		"entry_commission":     finite(t.EntryCommission),
		"slippage":             finite(t.Slippage),
		"net_pnl":              finite(t.NetPnL),
		"holding_period_hours": finite(t.HoldingPeriodHours),
		"mfe":                  finite(t.MFE),
		"mae":                  finite(t.MAE),
		"exit_reason":          t.ExitReason,
		"decision_metadata":    jsonSafe(t.DecisionMetadata),
	}
}

// metricsDict 借助 json tag 展开 Metrics；字段在计算时已做过有限化处理。
func metricsDict(m performance.Metrics) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		logger.Warnf("[backtest] metrics 序列化失败: %v", err)
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warnf("[backtest] metrics 反序列化失败: %v", err)
		return map[string]any{}
	}
	return out
}

// jsonSafe 递归替换非有限浮点，保证元数据可编码。
func jsonSafe(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case time.Time:
		return formatTime(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = finite(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	case []string:
		return append([]string{}, val...)
	default:
		return val
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return performance.Sanitize(v)
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
