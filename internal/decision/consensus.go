package decision

import (
	"fmt"
	"sort"
	"strings"

	"trdr/internal/config"
	"trdr/internal/types"
)

// hierarchicalPrimaryConfidence 是分层共识中主周期直接胜出所需的置信度。
const hierarchicalPrimaryConfidence = 0.7

// TimeframeDecision 是单个周期的决策，Confidence 已按数据质量 × 新鲜度折算。
type TimeframeDecision struct {
	Timeframe     string         `json:"timeframe"`
	Signal        types.Signal   `json:"signal"`
	Confidence    float64        `json:"confidence"`
	RawConfidence float64        `json:"raw_confidence"`
	Weight        float64        `json:"weight"`
	Reasoning     map[string]any `json:"reasoning,omitempty"`
	DataQuality   float64        `json:"data_quality"`
	Freshness     float64        `json:"freshness"`
}

// ConsensusOutcome 是共识算法的输出。
type ConsensusOutcome struct {
	Signal           types.Signal
	Confidence       float64
	PrimaryInfluence float64
	Reasoning        map[string]any
}

// ConsensusMethod 把多个周期的决策合成为一个信号。decisions 按主周期优先排序。
type ConsensusMethod interface {
	Name() string
	Combine(decisions []TimeframeDecision, primary string) ConsensusOutcome
}

// NewConsensusMethod 按名称返回共识算法。
func NewConsensusMethod(name string) (ConsensusMethod, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", config.ConsensusWeightedMajority:
		return WeightedMajority{}, nil
	case config.ConsensusHierarchical:
		return Hierarchical{}, nil
	case config.ConsensusSimple:
		return SimpleConsensus{}, nil
	default:
		return nil, fmt.Errorf("unknown consensus method %q", name)
	}
}

// WeightedMajority 以 Σ(weight×confidence) 最大的信号胜出。
type WeightedMajority struct{}

func (WeightedMajority) Name() string { return config.ConsensusWeightedMajority }

func (WeightedMajority) Combine(decisions []TimeframeDecision, primary string) ConsensusOutcome {
	votes := make(map[types.Signal]float64, 3)
	total, weightSum, weightedConf, primaryVote := 0.0, 0.0, 0.0, 0.0
	for _, d := range decisions {
		v := d.Weight * d.Confidence
		votes[d.Signal] += v
		total += v
		weightSum += d.Weight
		weightedConf += v
		if d.Timeframe == primary {
			primaryVote = v
		}
	}
	if total <= 0 || weightSum <= 0 {
		return ConsensusOutcome{
			Signal:    types.SignalHold,
			Reasoning: map[string]any{"votes": voteMap(votes), "note": "no weighted votes"},
		}
	}
	winner := pickWinner(votes, decisions, primary)
	share := votes[winner] / total
	return ConsensusOutcome{
		Signal:           winner,
		Confidence:       clamp01(weightedConf / weightSum * share),
		PrimaryInfluence: primaryVote / total,
		Reasoning: map[string]any{
			"votes":      voteMap(votes),
			"vote_share": share,
		},
	}
}

// Hierarchical 主周期置信度超过 0.7 时直接采用其信号，否则退回加权多数。
type Hierarchical struct{}

func (Hierarchical) Name() string { return config.ConsensusHierarchical }

func (Hierarchical) Combine(decisions []TimeframeDecision, primary string) ConsensusOutcome {
	for _, d := range decisions {
		if d.Timeframe == primary && d.Confidence > hierarchicalPrimaryConfidence {
			return ConsensusOutcome{
				Signal:           d.Signal,
				Confidence:       clamp01(d.Confidence),
				PrimaryInfluence: 1,
				Reasoning:        map[string]any{"rule": "primary_dominant", "primary_confidence": d.Confidence},
			}
		}
	}
	out := WeightedMajority{}.Combine(decisions, primary)
	out.Reasoning["rule"] = "weighted_majority_fallback"
	return out
}

// SimpleConsensus 不加权计票，置信度 = 平均置信度 × 胜出票占比。
type SimpleConsensus struct{}

func (SimpleConsensus) Name() string { return config.ConsensusSimple }

func (SimpleConsensus) Combine(decisions []TimeframeDecision, primary string) ConsensusOutcome {
	if len(decisions) == 0 {
		return ConsensusOutcome{Signal: types.SignalHold, Reasoning: map[string]any{"note": "no decisions"}}
	}
	counts := make(map[types.Signal]float64, 3)
	confSum := 0.0
	for _, d := range decisions {
		counts[d.Signal]++
		confSum += d.Confidence
	}
	winner := pickWinner(counts, decisions, primary)
	share := counts[winner] / float64(len(decisions))
	influence := 0.0
	for _, d := range decisions {
		if d.Timeframe == primary && d.Signal == winner {
			influence = 1 / counts[winner]
		}
	}
	return ConsensusOutcome{
		Signal:           winner,
		Confidence:       clamp01(confSum / float64(len(decisions)) * share),
		PrimaryInfluence: influence,
		Reasoning:        map[string]any{"counts": voteMap(counts), "vote_share": share},
	}
}

// pickWinner 取得票最高的信号；平票时优先主周期的信号，否则 HOLD。
func pickWinner(votes map[types.Signal]float64, decisions []TimeframeDecision, primary string) types.Signal {
	best := -1.0
	var tied []types.Signal
	for _, s := range []types.Signal{types.SignalBuy, types.SignalSell, types.SignalHold} {
		v, ok := votes[s]
		if !ok {
			continue
		}
		switch {
		case v > best+1e-12:
			best = v
			tied = []types.Signal{s}
		case v >= best-1e-12:
			tied = append(tied, s)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	for _, d := range decisions {
		if d.Timeframe != primary {
			continue
		}
		for _, s := range tied {
			if s == d.Signal {
				return s
			}
		}
	}
	return types.SignalHold
}

func voteMap(votes map[types.Signal]float64) map[string]float64 {
	out := make(map[string]float64, len(votes))
	for s, v := range votes {
		out[string(s)] = v
	}
	return out
}

// AgreementScore = 1 − (不同信号数 − 1) / 信号总数。
func AgreementScore(decisions []TimeframeDecision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	distinct := make(map[types.Signal]struct{}, 3)
	for _, d := range decisions {
		distinct[d.Signal] = struct{}{}
	}
	return 1 - float64(len(distinct)-1)/float64(len(decisions))
}

// ConflictingTimeframes 返回信号与多数票不同的周期；计票平局时以 fallback 为多数。
func ConflictingTimeframes(decisions []TimeframeDecision, fallback types.Signal) []string {
	counts := make(map[types.Signal]int, 3)
	for _, d := range decisions {
		counts[d.Signal]++
	}
	majority, best, tie := fallback, -1, false
	for _, s := range []types.Signal{types.SignalBuy, types.SignalSell, types.SignalHold} {
		c, ok := counts[s]
		if !ok {
			continue
		}
		switch {
		case c > best:
			majority, best, tie = s, c, false
		case c == best:
			tie = true
		}
	}
	if tie {
		majority = fallback
	}
	var out []string
	for _, d := range decisions {
		if d.Signal != majority {
			out = append(out, d.Timeframe)
		}
	}
	return out
}

// MultiTimeframeConsensus 是一次多周期共识的完整记录，只由 consensusBuilder 构造。
type MultiTimeframeConsensus struct {
	FinalSignal           types.Signal                 `json:"final_signal"`
	ConsensusConfidence   float64                      `json:"consensus_confidence"`
	TimeframeDecisions    map[string]TimeframeDecision `json:"timeframe_decisions"`
	AgreementScore        float64                      `json:"agreement_score"`
	ConflictingTimeframes []string                     `json:"conflicting_timeframes"`
	PrimaryInfluence      float64                      `json:"primary_timeframe_influence"`
	ConsensusMethod       string                       `json:"consensus_method"`
	Reasoning             map[string]any               `json:"reasoning"`
}

// ToMap 输出写入决策 reasoning 的摘要。
func (c MultiTimeframeConsensus) ToMap() map[string]any {
	per := make(map[string]any, len(c.TimeframeDecisions))
	for tf, d := range c.TimeframeDecisions {
		per[tf] = map[string]any{
			"signal":       string(d.Signal),
			"confidence":   d.Confidence,
			"weight":       d.Weight,
			"data_quality": d.DataQuality,
			"freshness":    d.Freshness,
		}
	}
	return map[string]any{
		"final_signal":           string(c.FinalSignal),
		"consensus_confidence":   c.ConsensusConfidence,
		"agreement_score":        c.AgreementScore,
		"conflicting_timeframes": append([]string(nil), c.ConflictingTimeframes...),
		"primary_influence":      c.PrimaryInfluence,
		"method":                 c.ConsensusMethod,
		"timeframes":             per,
	}
}

// consensusBuilder 先算出一致度与冲突列表，最后一次性生成不可变记录。
type consensusBuilder struct {
	method    ConsensusMethod
	primary   string
	decisions []TimeframeDecision
}

func newConsensusBuilder(method ConsensusMethod, primary string) *consensusBuilder {
	return &consensusBuilder{method: method, primary: primary}
}

func (b *consensusBuilder) add(d TimeframeDecision) *consensusBuilder {
	b.decisions = append(b.decisions, d)
	return b
}

func (b *consensusBuilder) build() MultiTimeframeConsensus {
	ordered := append([]TimeframeDecision(nil), b.decisions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].Timeframe == b.primary) != (ordered[j].Timeframe == b.primary) {
			return ordered[i].Timeframe == b.primary
		}
		return ordered[i].Timeframe < ordered[j].Timeframe
	})
	outcome := b.method.Combine(ordered, b.primary)
	agreement := AgreementScore(ordered)
	conflicts := ConflictingTimeframes(ordered, outcome.Signal)

	per := make(map[string]TimeframeDecision, len(ordered))
	for _, d := range ordered {
		per[d.Timeframe] = d
	}
	reasoning := copyReasoning(outcome.Reasoning)
	if reasoning == nil {
		reasoning = map[string]any{}
	}
	return MultiTimeframeConsensus{
		FinalSignal:           outcome.Signal,
		ConsensusConfidence:   clamp01(outcome.Confidence),
		TimeframeDecisions:    per,
		AgreementScore:        agreement,
		ConflictingTimeframes: conflicts,
		PrimaryInfluence:      outcome.PrimaryInfluence,
		ConsensusMethod:       b.method.Name(),
		Reasoning:             reasoning,
	}
}
