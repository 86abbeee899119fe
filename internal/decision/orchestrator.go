package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trdr/internal/config"
	"trdr/internal/features"
	"trdr/internal/logger"
	"trdr/internal/market"
	"trdr/internal/types"
)

// liveConfirmationConfidence 是 live 模式要求确认时的最低置信度。
const liveConfirmationConfidence = 0.8

// Orchestrator 是单周期编排层：取特征、调用引擎、施加风控覆盖并维护会话。
type Orchestrator struct {
	timeframe string
	mode      string
	orch      config.OrchestratorConfig
	sizing    float64
	engine    *Engine
	features  *features.Source
	sessions  *SessionStore
}

// NewOrchestrator 为单个周期构造编排器。
func NewOrchestrator(cfg *config.StrategyConfig, timeframe string, predictor Predictor, src *features.Source) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("strategy config is nil")
	}
	if src == nil {
		return nil, fmt.Errorf("feature source is nil for %s", timeframe)
	}
	if predictor == nil {
		logger.Warnf("[decision] %s 未加载预测器，决策将返回 not_ready", timeframe)
	}
	return &Orchestrator{
		timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
		mode:      cfg.Orchestrator.Mode,
		orch:      cfg.Orchestrator,
		sizing:    cfg.Backtest.PositionSizePct,
		engine:    NewEngine(cfg.Decisions, predictor),
		features:  src,
		sessions:  NewSessionStore(cfg.Orchestrator.HistoryLimit),
	}, nil
}

func (o *Orchestrator) Timeframe() string { return o.timeframe }

func (o *Orchestrator) Engine() *Engine { return o.engine }

func (o *Orchestrator) Features() *features.Source { return o.features }

// MakeDecision 对 bar 生成决策；history 为截至 bar（含）的历史窗口。
func (o *Orchestrator) MakeDecision(ctx context.Context, symbol, timeframe string, bar market.Candle, history []market.Candle, portfolio types.PortfolioState) (TradingDecision, error) {
	if timeframe == "" {
		timeframe = o.timeframe
	}
	if len(history) == 0 || history[len(history)-1].OpenTime != bar.OpenTime {
		history = append(append([]market.Candle(nil), history...), bar)
	}
	snap, err := o.features.Features(history)
	if err != nil {
		if errors.Is(err, features.ErrWarmup) {
			return TradingDecision{}, newError(KindWarmup, symbol, timeframe, err)
		}
		return TradingDecision{}, newError(KindDecisionFailure, symbol, timeframe, fmt.Errorf("features: %w", err))
	}

	sess := o.sessions.Get(symbol)
	dctx := DecisionContext{
		Symbol:    symbol,
		Timeframe: timeframe,
		Bar:       bar,
		Window:    history,
		Features:  snap,
		Position:  sess.State,
		Portfolio: portfolio,
	}

	d, err := o.engine.GenerateDecision(ctx, bar, snap.Fuzzy, snap.Indicators)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Symbol, de.Timeframe = symbol, timeframe
			return TradingDecision{}, de
		}
		return TradingDecision{}, newError(KindDecisionFailure, symbol, timeframe, err)
	}
	d = o.applyOverrides(d, dctx).WithReasoning("context", dctx.ToMap())

	sess.Observe(d, bar.Close, portfolio)
	sess.Record(d)
	return d, nil
}

// applyOverrides 依次检查敞口上限、资金下限、模式阈值与 live 确认。
func (o *Orchestrator) applyOverrides(d TradingDecision, dctx DecisionContext) TradingDecision {
	if d.Signal == types.SignalHold {
		return d
	}
	p := dctx.Portfolio
	if d.Signal == types.SignalBuy && p.TotalValue > 0 && o.orch.MaxPositionSize > 0 {
		exposure := (p.Position.PositionValue + p.AvailableCash*o.sizing) / p.TotalValue
		if exposure > o.orch.MaxPositionSize {
			d = d.WithOverride(fmt.Sprintf("exposure %.3f exceeds max_position_size %.3f", exposure, o.orch.MaxPositionSize))
		}
	}
	if d.Signal == types.SignalBuy && o.mode != config.ModeBacktest && p.AvailableCash < o.orch.MinCapital {
		d = d.WithOverride(fmt.Sprintf("available capital %.2f below min_capital %.2f", p.AvailableCash, o.orch.MinCapital))
	}
	if threshold := o.orch.ModeThreshold(o.mode); d.Confidence < threshold {
		d = d.WithOverride(fmt.Sprintf("confidence %.3f below %s threshold %.3f", d.Confidence, o.mode, threshold))
	}
	if o.mode == config.ModeLive && o.orch.RequireConfirmation && d.Confidence < liveConfirmationConfidence {
		d = d.WithOverride(fmt.Sprintf("live confirmation requires confidence >= %.2f", liveConfirmationConfidence))
	}
	return d
}

// SyncPosition 在交易尝试后把账本持仓同步回编排层；executed 为实际成交的信号，未成交传 HOLD。
func (o *Orchestrator) SyncPosition(symbol string, pos types.PositionSnapshot, executed types.Signal, ts time.Time) {
	if executed.IsAction() {
		o.engine.UpdatePosition(executed, ts)
	}
	o.engine.SetPosition(pos.Status)
	sess := o.sessions.Get(symbol)
	sess.Sync(pos)
	if executed.IsAction() {
		sess.State.LastSignalTime = ts
	}
}

// History 返回标的的决策历史（最多 history_limit 条）。
func (o *Orchestrator) History(symbol string) []TradingDecision {
	sess, ok := o.sessions.Lookup(symbol)
	if !ok {
		return nil
	}
	return sess.History()
}

// PositionState 返回编排层对标的持仓的认知。
func (o *Orchestrator) PositionState(symbol string) PositionState {
	sess, ok := o.sessions.Lookup(symbol)
	if !ok {
		return PositionState{Position: types.StatusFlat}
	}
	return sess.State
}
