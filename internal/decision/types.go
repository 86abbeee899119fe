package decision

import (
	"fmt"
	"math"
	"time"

	"trdr/internal/types"
)

// TradingDecision 是一次决策的不可变结果。
type TradingDecision struct {
	Signal          types.Signal         `json:"signal"`
	Confidence      float64              `json:"confidence"`
	Timestamp       time.Time            `json:"timestamp"`
	Reasoning       map[string]any       `json:"reasoning"`
	CurrentPosition types.PositionStatus `json:"current_position"`
}

// NewTradingDecision 构造决策；置信度必须在 [0,1] 内。
func NewTradingDecision(signal types.Signal, confidence float64, ts time.Time, reasoning map[string]any, position types.PositionStatus) (TradingDecision, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return TradingDecision{}, fmt.Errorf("confidence must be within [0,1], got %v", confidence)
	}
	switch signal {
	case types.SignalBuy, types.SignalSell, types.SignalHold:
	default:
		return TradingDecision{}, fmt.Errorf("unknown signal %q", signal)
	}
	if position == "" {
		position = types.StatusFlat
	}
	return TradingDecision{
		Signal:          signal,
		Confidence:      confidence,
		Timestamp:       ts,
		Reasoning:       copyReasoning(reasoning),
		CurrentPosition: position,
	}, nil
}

// Hold 构造一个 HOLD 决策，置信度为 0。
func Hold(ts time.Time, position types.PositionStatus, reasoning map[string]any) TradingDecision {
	d, _ := NewTradingDecision(types.SignalHold, 0, ts, reasoning, position)
	return d
}

// WithOverride 返回被强制改为 HOLD 的副本，原信号与原因写入 reasoning。
func (d TradingDecision) WithOverride(reason string) TradingDecision {
	out := d
	out.Reasoning = copyReasoning(d.Reasoning)
	if out.Reasoning == nil {
		out.Reasoning = map[string]any{}
	}
	overrides, _ := out.Reasoning["overrides"].([]string)
	out.Reasoning["overrides"] = append(append([]string(nil), overrides...), reason)
	if _, ok := out.Reasoning["original_signal"]; !ok {
		out.Reasoning["original_signal"] = string(d.Signal)
	}
	out.Signal = types.SignalHold
	return out
}

// WithConfidence 返回置信度被替换（并裁剪到 [0,1]）的副本。
func (d TradingDecision) WithConfidence(confidence float64) TradingDecision {
	out := d
	out.Reasoning = copyReasoning(d.Reasoning)
	out.Confidence = clamp01(confidence)
	return out
}

// WithReasoning 返回附加一个 reasoning 字段的副本。
func (d TradingDecision) WithReasoning(key string, value any) TradingDecision {
	out := d
	out.Reasoning = copyReasoning(d.Reasoning)
	if out.Reasoning == nil {
		out.Reasoning = map[string]any{}
	}
	out.Reasoning[key] = value
	return out
}

// Overrides 返回已生效的强制 HOLD 原因。
func (d TradingDecision) Overrides() []string {
	out, _ := d.Reasoning["overrides"].([]string)
	return out
}

func copyReasoning(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
