package decision

import (
	"context"
	"fmt"
	"time"

	"trdr/internal/config"
	"trdr/internal/market"
	"trdr/internal/types"
)

// Engine 是 FLAT/LONG 状态机：调用预测器，再依次应用置信度、信号间隔与持仓感知过滤。
type Engine struct {
	threshold         float64
	minSeparation     time.Duration
	positionAwareness bool
	predictor         Predictor

	position       types.PositionStatus
	lastSignalTime time.Time
}

// NewEngine 构造引擎；predictor 为 nil 时所有决策返回 NotReady 的 HOLD。
func NewEngine(cfg config.DecisionsConfig, predictor Predictor) *Engine {
	return &Engine{
		threshold:         cfg.ConfidenceThreshold,
		minSeparation:     time.Duration(cfg.MinSignalSeparation * float64(time.Hour)),
		positionAwareness: cfg.PositionAwareness,
		predictor:         predictor,
		position:          types.StatusFlat,
	}
}

func (e *Engine) Ready() bool { return e.predictor != nil }

func (e *Engine) Position() types.PositionStatus { return e.position }

func (e *Engine) LastSignalTime() time.Time { return e.lastSignalTime }

// GenerateDecision 为 bar 生成决策。预测器或特征失败返回 KindDecisionFailure。
func (e *Engine) GenerateDecision(ctx context.Context, bar market.Candle, fuzzy, indicators map[string]float64) (TradingDecision, error) {
	ts := bar.Time()
	if e.predictor == nil {
		return Hold(ts, e.position, map[string]any{"status": "not_ready", "reason": "predictor not loaded"}), nil
	}
	vec, err := e.predictor.BuildFeatures(fuzzy, indicators)
	if err != nil {
		return TradingDecision{}, newError(KindDecisionFailure, "", "", fmt.Errorf("build features: %w", err))
	}
	pred, err := e.predictor.Predict(ctx, vec)
	if err != nil {
		return TradingDecision{}, newError(KindDecisionFailure, "", "", fmt.Errorf("predict: %w", err))
	}
	probs := make(map[string]float64, len(pred.Probabilities))
	for s, p := range pred.Probabilities {
		probs[string(s)] = p
	}
	reasoning := map[string]any{
		"raw_signal":     string(pred.Signal),
		"raw_confidence": pred.Confidence,
		"probabilities":  probs,
		"position":       string(e.position),
	}
	decision, err := NewTradingDecision(pred.Signal, clamp01(pred.Confidence), ts, reasoning, e.position)
	if err != nil {
		return TradingDecision{}, newError(KindDecisionFailure, "", "", err)
	}
	return e.filter(decision, ts), nil
}

func (e *Engine) filter(d TradingDecision, ts time.Time) TradingDecision {
	if d.Signal == types.SignalHold {
		return d
	}
	if d.Confidence < e.threshold {
		return d.WithOverride(fmt.Sprintf("confidence %.3f below threshold %.3f", d.Confidence, e.threshold))
	}
	if e.minSeparation > 0 && !e.lastSignalTime.IsZero() && ts.Sub(e.lastSignalTime) < e.minSeparation {
		return d.WithOverride(fmt.Sprintf("signal separation %s below %s", ts.Sub(e.lastSignalTime), e.minSeparation))
	}
	if e.positionAwareness {
		switch {
		case d.Signal == types.SignalBuy && e.position == types.StatusLong:
			return d.WithOverride("already long")
		case d.Signal == types.SignalSell && e.position != types.StatusLong:
			return d.WithOverride("no position to sell")
		}
	}
	return d
}

// UpdatePosition 在成交后推进状态机并重置信号计时。
func (e *Engine) UpdatePosition(signal types.Signal, ts time.Time) {
	switch signal {
	case types.SignalBuy:
		e.position = types.StatusLong
	case types.SignalSell:
		e.position = types.StatusFlat
	default:
		return
	}
	e.lastSignalTime = ts
}

// SetPosition 与账本对齐持仓状态，不影响信号计时。
func (e *Engine) SetPosition(status types.PositionStatus) {
	if status == "" {
		status = types.StatusFlat
	}
	e.position = status
}

// Reset 清空状态机。
func (e *Engine) Reset() {
	e.position = types.StatusFlat
	e.lastSignalTime = time.Time{}
}
