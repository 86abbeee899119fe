package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"trdr/internal/config"
	"trdr/internal/logger"
	"trdr/internal/market"
	"trdr/internal/types"
)

// MultiTimeframeOrchestrator 为每个周期持有一个 Orchestrator，并把各周期决策合成为一个共识信号。
type MultiTimeframeOrchestrator struct {
	cfg           config.MultiTimeframeConfig
	mode          string
	modeThreshold float64
	primary       string
	timeframes    []string
	weights       map[string]float64
	orchestrators map[string]*Orchestrator
	method        ConsensusMethod
	sessions      *SessionStore

	mu     sync.Mutex
	latest map[string]MultiTimeframeConsensus
}

// NewMultiTimeframeOrchestrator 组装多周期编排器；orchestrators 必须覆盖配置中的全部周期。
func NewMultiTimeframeOrchestrator(cfg *config.StrategyConfig, orchestrators map[string]*Orchestrator) (*MultiTimeframeOrchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("strategy config is nil")
	}
	method, err := NewConsensusMethod(cfg.MultiTimeframe.ConsensusMethod)
	if err != nil {
		return nil, err
	}
	timeframes := cfg.Timeframes()
	if len(timeframes) == 0 {
		return nil, fmt.Errorf("no timeframes configured")
	}
	for _, tf := range timeframes {
		if orchestrators[tf] == nil {
			return nil, fmt.Errorf("missing orchestrator for timeframe %s", tf)
		}
	}
	return &MultiTimeframeOrchestrator{
		cfg:           cfg.MultiTimeframe,
		mode:          cfg.Orchestrator.Mode,
		modeThreshold: cfg.Orchestrator.ModeThreshold(cfg.Orchestrator.Mode),
		primary:       cfg.PrimaryTimeframe(),
		timeframes:    timeframes,
		weights:       cfg.NormalizedWeights(),
		orchestrators: orchestrators,
		method:        method,
		sessions:      NewSessionStore(cfg.Orchestrator.HistoryLimit),
		latest:        make(map[string]MultiTimeframeConsensus),
	}, nil
}

func (m *MultiTimeframeOrchestrator) Primary() string { return m.primary }

func (m *MultiTimeframeOrchestrator) Timeframes() []string {
	return append([]string(nil), m.timeframes...)
}

func (m *MultiTimeframeOrchestrator) Method() string { return m.method.Name() }

// Orchestrator 返回某个周期的单周期编排器。
func (m *MultiTimeframeOrchestrator) Orchestrator(tf string) *Orchestrator {
	return m.orchestrators[strings.ToLower(tf)]
}

type timeframeInput struct {
	timeframe string
	window    []market.Candle
	last      market.Candle
	quality   float64
	freshness float64
}

// MakeMultiTimeframeDecision 以 data 中各周期截至当前的窗口做一次共识决策。
// 主周期缺失返回 market.ErrPrimaryTimeframeUnavailable；主周期决策失败原样返回其 *Error。
func (m *MultiTimeframeOrchestrator) MakeMultiTimeframeDecision(ctx context.Context, symbol string, data map[string][]market.Candle, portfolio types.PortfolioState) (TradingDecision, error) {
	inputs, skipped, err := m.prepare(data)
	if err != nil {
		return TradingDecision{}, fmt.Errorf("%s: %w", symbol, err)
	}
	primaryBar := inputs[0].last

	builder := newConsensusBuilder(m.method, m.primary)
	qualitySum := 0.0
	for _, in := range inputs {
		orch := m.orchestrators[in.timeframe]
		d, err := orch.MakeDecision(ctx, symbol, in.timeframe, in.last, in.window, portfolio)
		if err != nil {
			if in.timeframe == m.primary {
				return TradingDecision{}, err
			}
			skipped[in.timeframe] = err.Error()
			if !IsWarmup(err) {
				logger.Warnf("[mtf] %s@%s 决策失败，跳过该周期: %v", symbol, in.timeframe, err)
			}
			continue
		}
		builder.add(TimeframeDecision{
			Timeframe:     in.timeframe,
			Signal:        d.Signal,
			Confidence:    clamp01(d.Confidence * in.quality * in.freshness),
			RawConfidence: d.Confidence,
			Weight:        m.weights[in.timeframe],
			Reasoning:     d.Reasoning,
			DataQuality:   in.quality,
			Freshness:     in.freshness,
		})
		qualitySum += in.quality
	}
	consensus := builder.build()
	avgQuality := 0.0
	if n := len(consensus.TimeframeDecisions); n > 0 {
		avgQuality = qualitySum / float64(n)
	}

	reasoning := map[string]any{
		"consensus":           consensus.ToMap(),
		"average_quality":     avgQuality,
		"primary_timeframe":   m.primary,
		"method_reasoning":    consensus.Reasoning,
		"skipped_timeframes":  skipped,
		"evaluated_timeframe": len(consensus.TimeframeDecisions),
	}
	sess := m.sessions.Get(symbol)
	final, err := NewTradingDecision(consensus.FinalSignal, consensus.ConsensusConfidence, primaryBar.Time(), reasoning, sess.State.Position)
	if err != nil {
		return TradingDecision{}, newError(KindDecisionFailure, symbol, m.primary, err)
	}
	final = m.applyOverrides(final, consensus, avgQuality)

	m.mu.Lock()
	m.latest[strings.ToUpper(symbol)] = consensus
	m.mu.Unlock()

	sess.Observe(final, primaryBar.Close, portfolio)
	sess.Record(final)
	return final, nil
}

// prepare 计算各周期的窗口、数据质量与新鲜度；返回的切片以主周期打头。
func (m *MultiTimeframeOrchestrator) prepare(data map[string][]market.Candle) ([]timeframeInput, map[string]string, error) {
	skipped := make(map[string]string)
	if len(data[m.primary]) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", market.ErrPrimaryTimeframeUnavailable, m.primary)
	}
	// 新鲜度按收盘时间比较：高周期最近一根已收盘的 K 线开盘更早，但并不陈旧。
	var reference int64
	for _, tf := range m.timeframes {
		if window := data[tf]; len(window) > 0 {
			reference = max(reference, closeMillis(window[len(window)-1], tf))
		}
	}
	inputs := make([]timeframeInput, 0, len(m.timeframes))
	for _, tf := range m.timeframes {
		window := data[tf]
		if len(window) == 0 {
			skipped[tf] = "no data"
			continue
		}
		last := window[len(window)-1]
		qw := window
		if n := m.cfg.QualityWindow; n > 0 && len(qw) > n {
			qw = qw[len(qw)-n:]
		}
		age := time.Duration(reference-closeMillis(last, tf)) * time.Millisecond
		inputs = append(inputs, timeframeInput{
			timeframe: tf,
			window:    window,
			last:      last,
			quality:   market.QualityScore(qw),
			freshness: FreshnessScore(age, market.MustDuration(tf)),
		})
	}
	return inputs, skipped, nil
}

// applyOverrides 依次检查一致度、冲突数、数据质量与模式阈值；每个触发项都记录在 reasoning。
func (m *MultiTimeframeOrchestrator) applyOverrides(d TradingDecision, c MultiTimeframeConsensus, avgQuality float64) TradingDecision {
	if c.AgreementScore < m.cfg.MinAgreementThreshold {
		d = d.WithOverride(fmt.Sprintf("agreement %.3f below %.3f", c.AgreementScore, m.cfg.MinAgreementThreshold))
	}
	if len(c.ConflictingTimeframes) > m.cfg.MaxConflictingTimeframes {
		d = d.WithOverride(fmt.Sprintf("%d conflicting timeframes exceed %d", len(c.ConflictingTimeframes), m.cfg.MaxConflictingTimeframes))
	}
	if avgQuality < m.cfg.MinDataQuality {
		d = d.WithOverride(fmt.Sprintf("average data quality %.3f below %.3f", avgQuality, m.cfg.MinDataQuality)).
			WithConfidence(d.Confidence * avgQuality)
	}
	if d.Signal != types.SignalHold && d.Confidence < m.modeThreshold {
		d = d.WithOverride(fmt.Sprintf("confidence %.3f below %s threshold %.3f", d.Confidence, m.mode, m.modeThreshold))
	}
	return d
}

// closeMillis 返回 K 线收盘毫秒；缺失收盘时间时按周期长度推算。
func closeMillis(c market.Candle, tf string) int64 {
	if c.CloseTime > 0 {
		return c.CloseTime
	}
	if d := market.MustDuration(tf); d > 0 {
		return c.OpenTime + d.Milliseconds() - 1
	}
	return c.OpenTime
}

// FreshnessScore 按 age 相对周期长度分段打分：1× 内 1.0，2× 0.8，3× 0.6，5× 0.4，更久 0.2。
func FreshnessScore(age, interval time.Duration) float64 {
	if interval <= 0 || age <= interval {
		return 1
	}
	switch ratio := float64(age) / float64(interval); {
	case ratio <= 2:
		return 0.8
	case ratio <= 3:
		return 0.6
	case ratio <= 5:
		return 0.4
	default:
		return 0.2
	}
}

// SyncPosition 把账本持仓同步到所有周期的编排器与多周期会话。
func (m *MultiTimeframeOrchestrator) SyncPosition(symbol string, pos types.PositionSnapshot, executed types.Signal, ts time.Time) {
	for _, tf := range m.timeframes {
		m.orchestrators[tf].SyncPosition(symbol, pos, executed, ts)
	}
	sess := m.sessions.Get(symbol)
	sess.Sync(pos)
	if executed.IsAction() {
		sess.State.LastSignalTime = ts
	}
}

// LatestConsensus 返回标的最近一次的共识记录。
func (m *MultiTimeframeOrchestrator) LatestConsensus(symbol string) (MultiTimeframeConsensus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.latest[strings.ToUpper(symbol)]
	return c, ok
}

func (m *MultiTimeframeOrchestrator) History(symbol string) []TradingDecision {
	sess, ok := m.sessions.Lookup(symbol)
	if !ok {
		return nil
	}
	return sess.History()
}

func (m *MultiTimeframeOrchestrator) PositionState(symbol string) PositionState {
	sess, ok := m.sessions.Lookup(symbol)
	if !ok {
		return PositionState{Position: types.StatusFlat}
	}
	return sess.State
}
