package performance

import (
	"math"
	"time"

	"trdr/internal/trading"
)

// RatioLimit 是所有比率字段的裁剪上限。
const RatioLimit = 999999.0

const (
	tradingDaysPerYear = 252
	hoursPerSession    = 6.5
)

// Metrics 汇总收益、风险与交易统计；所有浮点字段均为有限值。
type Metrics struct {
	TotalReturn          float64   `json:"total_return"`
	TotalReturnPct       float64   `json:"total_return_pct"`
	AnnualizedReturn     float64   `json:"annualized_return"`
	Volatility           float64   `json:"volatility"`
	SharpeRatio          float64   `json:"sharpe_ratio"`
	SortinoRatio         float64   `json:"sortino_ratio"`
	CalmarRatio          float64   `json:"calmar_ratio"`
	MaxDrawdown          float64   `json:"max_drawdown"`
	MaxDrawdownPct       float64   `json:"max_drawdown_pct"`
	TotalTrades          int       `json:"total_trades"`
	WinningTrades        int       `json:"winning_trades"`
	LosingTrades         int       `json:"losing_trades"`
	WinRate              float64   `json:"win_rate"`
	ProfitFactor         float64   `json:"profit_factor"`
	AvgWin               float64   `json:"avg_win"`
	AvgLoss              float64   `json:"avg_loss"`
	LargestWin           float64   `json:"largest_win"`
	LargestLoss          float64   `json:"largest_loss"`
	AvgHoldingPeriod     float64   `json:"avg_holding_period"`
	AvgWinHoldingPeriod  float64   `json:"avg_win_holding_period"`
	AvgLossHoldingPeriod float64   `json:"avg_loss_holding_period"`
	MaxConsecutiveWins   int       `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	RecoveryFactor       float64   `json:"recovery_factor"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	TotalDays            int       `json:"total_days"`
}

// CalculateMetrics 基于成交记录与权益曲线计算绩效；零成交返回全零指标。
// start/end 为零值时取权益曲线首尾时间。
func (t *Tracker) CalculateMetrics(trades []trading.Trade, initialCapital float64, start, end time.Time) Metrics {
	if start.IsZero() && len(t.curve) > 0 {
		start = t.curve[0].Timestamp
	}
	if end.IsZero() && len(t.curve) > 0 {
		end = t.curve[len(t.curve)-1].Timestamp
	}
	m := Metrics{StartDate: start, EndDate: end}
	if !start.IsZero() && !end.IsZero() && end.After(start) {
		m.TotalDays = int(end.Sub(start).Hours() / 24)
	}
	if len(trades) == 0 {
		return m
	}

	finalValue := initialCapital
	if len(t.curve) > 0 {
		finalValue = t.curve[len(t.curve)-1].PortfolioValue
	} else {
		for _, tr := range trades {
			finalValue += tr.NetPnL - tr.EntryCommission
		}
	}
	m.TotalReturn = finalValue - initialCapital
	if initialCapital > 0 {
		m.TotalReturnPct = m.TotalReturn / initialCapital
	}

	years := float64(m.TotalDays) / 365.25
	if years <= 0 && len(t.curve) > 0 {
		years = float64(len(t.curve)) / (tradingDaysPerYear * hoursPerSession)
	}
	if years > 0 && 1+m.TotalReturnPct > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturnPct, 1/years) - 1
	}

	returns := dailyReturns(t.curve)
	mean, std := meanStd(returns)
	m.Volatility = std * math.Sqrt(tradingDaysPerYear)
	if std > 1e-12 {
		m.SharpeRatio = mean / std * math.Sqrt(tradingDaysPerYear)
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if _, dstd := meanStd(downside); dstd > 1e-12 {
		m.SortinoRatio = mean / dstd * math.Sqrt(tradingDaysPerYear)
	}

	m.MaxDrawdownPct = t.maxDrawdown
	m.MaxDrawdown = t.maxDrawdownAbs
	m.CalmarRatio = ratio(m.AnnualizedReturn, m.MaxDrawdownPct)
	m.RecoveryFactor = ratio(m.TotalReturn, m.MaxDrawdown)

	tradeStats(&m, trades)
	return sanitizeMetrics(m)
}

func tradeStats(m *Metrics, trades []trading.Trade) {
	var winSum, lossSum, hold, winHold, lossHold float64
	streakWin, streakLoss := 0, 0
	for _, tr := range trades {
		m.TotalTrades++
		hold += tr.HoldingPeriodHours
		switch {
		case tr.NetPnL > 0:
			m.WinningTrades++
			winSum += tr.NetPnL
			winHold += tr.HoldingPeriodHours
			m.LargestWin = math.Max(m.LargestWin, tr.NetPnL)
			streakWin++
			streakLoss = 0
		case tr.NetPnL < 0:
			m.LosingTrades++
			lossSum += tr.NetPnL
			lossHold += tr.HoldingPeriodHours
			m.LargestLoss = math.Min(m.LargestLoss, tr.NetPnL)
			streakLoss++
			streakWin = 0
		default:
			streakWin, streakLoss = 0, 0
		}
		if streakWin > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = streakWin
		}
		if streakLoss > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = streakLoss
		}
	}
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	m.AvgHoldingPeriod = hold / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AvgWin = winSum / float64(m.WinningTrades)
		m.AvgWinHoldingPeriod = winHold / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = lossSum / float64(m.LosingTrades)
		m.AvgLossHoldingPeriod = lossHold / float64(m.LosingTrades)
	}
	switch {
	case lossSum < 0:
		m.ProfitFactor = winSum / math.Abs(lossSum)
	case winSum > 0:
		m.ProfitFactor = RatioLimit
	}
}

// dailyReturns 取每个自然日最后一个权益值计算日收益率。
func dailyReturns(curve []EquityPoint) []float64 {
	var closes []float64
	var lastDay string
	for _, p := range curve {
		day := p.Timestamp.UTC().Format("2006-01-02")
		if day == lastDay && len(closes) > 0 {
			closes[len(closes)-1] = p.PortfolioValue
			continue
		}
		lastDay = day
		closes = append(closes, p.PortfolioValue)
	}
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// meanStd 返回均值与样本标准差。
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func ratio(num, den float64) float64 {
	if den == 0 {
		if num == 0 {
			return 0
		}
		return math.Copysign(math.Inf(1), num)
	}
	return num / den
}

// Sanitize 把 ±Inf 映射为 ±RatioLimit、NaN 映射为 0，并裁剪到 [-RatioLimit, RatioLimit]。
func Sanitize(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > RatioLimit:
		return RatioLimit
	case v < -RatioLimit:
		return -RatioLimit
	default:
		return v
	}
}

// finite 只处理非有限值，金额类字段不做区间裁剪。
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Sanitize(v)
	}
	return v
}

func sanitizeMetrics(m Metrics) Metrics {
	for _, f := range []*float64{
		&m.TotalReturnPct, &m.AnnualizedReturn, &m.Volatility, &m.SharpeRatio, &m.SortinoRatio,
		&m.CalmarRatio, &m.MaxDrawdownPct, &m.WinRate, &m.ProfitFactor, &m.RecoveryFactor,
	} {
		*f = Sanitize(*f)
	}
	for _, f := range []*float64{
		&m.TotalReturn, &m.MaxDrawdown, &m.AvgWin, &m.AvgLoss, &m.LargestWin, &m.LargestLoss,
		&m.AvgHoldingPeriod, &m.AvgWinHoldingPeriod, &m.AvgLossHoldingPeriod,
	} {
		*f = finite(*f)
	}
	return m
}
