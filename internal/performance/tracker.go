package performance

import (
	"time"

	"trdr/internal/logger"
	"trdr/internal/types"
)

// EquityPoint 是权益曲线上的一个采样。
type EquityPoint struct {
	Timestamp      time.Time            `json:"timestamp"`
	Price          float64              `json:"price"`
	PortfolioValue float64              `json:"portfolio_value"`
	Drawdown       float64              `json:"drawdown"`
	PositionStatus types.PositionStatus `json:"position_status"`
}

// Tracker 维护权益曲线、峰值与最大回撤。
// 峰值是全部采样的运行最大值（以首个采样为种子），回撤恒在 [0,1]。
type Tracker struct {
	curve          []EquityPoint
	peak           float64
	maxDrawdown    float64
	maxDrawdownAbs float64
	warnedNegative bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Update 追加一个采样并刷新回撤统计。
func (t *Tracker) Update(ts time.Time, price, portfolioValue float64, status types.PositionStatus) {
	if len(t.curve) == 0 || portfolioValue > t.peak {
		t.peak = portfolioValue
	}
	dd := 0.0
	if t.peak > 0 && portfolioValue < t.peak {
		dd = clamp01((t.peak - portfolioValue) / t.peak)
		if abs := t.peak - portfolioValue; abs > t.maxDrawdownAbs {
			t.maxDrawdownAbs = abs
		}
	}
	if dd > t.maxDrawdown {
		t.maxDrawdown = dd
	}
	if portfolioValue <= 0 && !t.warnedNegative {
		t.warnedNegative = true
		logger.Warnf("[performance] 组合价值归零 ts=%s value=%.2f", ts.Format(time.RFC3339), portfolioValue)
	}
	t.curve = append(t.curve, EquityPoint{
		Timestamp:      ts,
		Price:          price,
		PortfolioValue: portfolioValue,
		Drawdown:       dd,
		PositionStatus: status,
	})
}

// EquityCurve 返回权益曲线副本。
func (t *Tracker) EquityCurve() []EquityPoint {
	return append([]EquityPoint(nil), t.curve...)
}

func (t *Tracker) Len() int { return len(t.curve) }

// Last 返回最新一个权益样本。
func (t *Tracker) Last() (EquityPoint, bool) {
	if len(t.curve) == 0 {
		return EquityPoint{}, false
	}
	return t.curve[len(t.curve)-1], true
}

// MaxDrawdown 返回最大回撤比例。
func (t *Tracker) MaxDrawdown() float64 { return t.maxDrawdown }

// MaxDrawdownAbs 返回最大回撤金额。
func (t *Tracker) MaxDrawdownAbs() float64 { return t.maxDrawdownAbs }

func (t *Tracker) PeakEquity() float64 { return t.peak }

func (t *Tracker) Reset() {
	t.curve = nil
	t.peak = 0
	t.maxDrawdown = 0
	t.maxDrawdownAbs = 0
	t.warnedNegative = false
}

// Restore 用断点中的权益曲线重放统计。
func (t *Tracker) Restore(curve []EquityPoint) {
	t.Reset()
	for _, p := range curve {
		t.Update(p.Timestamp, p.Price, p.PortfolioValue, p.PositionStatus)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
