package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// 运行模式：决定编排层使用哪一档置信度阈值以及是否检查资金下限。
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
	ModeLive     = "live"
)

// 多周期共识算法名称。
const (
	ConsensusWeightedMajority = "weighted_majority"
	ConsensusHierarchical     = "hierarchical"
	ConsensusSimple           = "simple_consensus"
)

// 资金归零后的处理策略。
const (
	BankruptcyContinue = "continue"
	BankruptcyHalt     = "halt"
)

// StrategyConfig 是单个策略的完整配置，加载时一次性校验并补齐默认值。
type StrategyConfig struct {
	Name           string                               `yaml:"name"`
	Description    string                               `yaml:"description"`
	Version        string                               `yaml:"version"`
	App            AppConfig                            `yaml:"app"`
	Indicators     []IndicatorConfig                    `yaml:"indicators"`
	FuzzySets      map[string]map[string]FuzzySetConfig `yaml:"fuzzy_sets"`
	Model          ModelConfig                          `yaml:"model"`
	Decisions      DecisionsConfig                      `yaml:"decisions"`
	Orchestrator   OrchestratorConfig                   `yaml:"orchestrator"`
	MultiTimeframe MultiTimeframeConfig                 `yaml:"multi_timeframe"`
	Backtest       BacktestConfig                       `yaml:"backtest"`
	Checkpoint     CheckpointConfig                     `yaml:"checkpoint"`
}

type AppConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogPath   string `yaml:"log_path"`
}

// IndicatorConfig 描述一个技术指标；Name 为特征键，缺省等于 Type。
type IndicatorConfig struct {
	Name         string  `yaml:"name"`
	Type         string  `yaml:"type"`
	Period       int     `yaml:"period"`
	FastPeriod   int     `yaml:"fast_period"`
	SlowPeriod   int     `yaml:"slow_period"`
	SignalPeriod int     `yaml:"signal_period"`
	StdDev       float64 `yaml:"std_dev"`
}

// Key 返回指标在特征表中的名称。
func (i IndicatorConfig) Key() string {
	if name := strings.ToLower(strings.TrimSpace(i.Name)); name != "" {
		return name
	}
	return strings.ToLower(strings.TrimSpace(i.Type))
}

// FuzzySetConfig 描述一个模糊集合；triangular 需 3 个参数，trapezoid 需 4 个。
type FuzzySetConfig struct {
	Type       string    `yaml:"type"`
	Parameters []float64 `yaml:"parameters"`
}

type ModelConfig struct {
	Type     string   `yaml:"type"`
	Path     string   `yaml:"path"` // 支持 {symbol} / {timeframe} 占位符
	Features []string `yaml:"features"`
}

// DecisionsConfig 对应决策引擎的过滤器。
type DecisionsConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinSignalSeparation float64 `yaml:"min_signal_separation"` // 小时
	PositionAwareness   bool    `yaml:"position_awareness"`
}

// OrchestratorConfig 对应编排层的风控覆盖。
type OrchestratorConfig struct {
	Mode                string             `yaml:"mode"`
	MaxPositionSize     float64            `yaml:"max_position_size"`
	MinCapital          float64            `yaml:"min_capital"`
	ModeThresholds      map[string]float64 `yaml:"mode_thresholds"`
	RequireConfirmation bool               `yaml:"require_confirmation"`
	HistoryLimit        int                `yaml:"history_limit"`
}

// ModeThreshold 返回指定模式的置信度阈值，未知模式使用 backtest 阈值。
func (o OrchestratorConfig) ModeThreshold(mode string) float64 {
	if v, ok := o.ModeThresholds[strings.ToLower(strings.TrimSpace(mode))]; ok {
		return v
	}
	return o.ModeThresholds[ModeBacktest]
}

type MultiTimeframeConfig struct {
	ConsensusMethod          string                     `yaml:"consensus_method"`
	MinAgreementThreshold    float64                    `yaml:"min_agreement_threshold"`
	MaxConflictingTimeframes int                        `yaml:"max_conflicting_timeframes"`
	MinDataQuality           float64                    `yaml:"min_data_quality"`
	QualityWindow            int                        `yaml:"quality_window"`
	Timeframes               map[string]TimeframeConfig `yaml:"timeframes"`
}

type TimeframeConfig struct {
	Weight   float64 `yaml:"weight"`
	Primary  bool    `yaml:"primary"`
	Lookback int     `yaml:"lookback"`
}

type BacktestConfig struct {
	Symbol           string  `yaml:"symbol"`
	Timeframe        string  `yaml:"timeframe"`
	StartDate        string  `yaml:"start_date"`
	EndDate          string  `yaml:"end_date"`
	DataPath         string  `yaml:"data_path"`
	InitialCapital   float64 `yaml:"initial_capital"`
	Commission       float64 `yaml:"commission"`
	Slippage         float64 `yaml:"slippage"`
	PositionSizePct  float64 `yaml:"position_size_pct"`
	WarmupBars       int     `yaml:"warmup_bars"`
	ProgressEvery    int     `yaml:"progress_every"`
	CancelCheckEvery int     `yaml:"cancel_check_every"`
	BankruptcyPolicy string  `yaml:"bankruptcy_policy"`
	ResultsPath      string  `yaml:"results_path"`
	ReportPath       string  `yaml:"report_path"`
}

// StartTime 解析 start_date，空值返回零值时间。
func (b BacktestConfig) StartTime() (time.Time, error) {
	return parseDate(b.StartDate)
}

// EndTime 解析 end_date，空值返回零值时间。
func (b BacktestConfig) EndTime() (time.Time, error) {
	return parseDate(b.EndDate)
}

type CheckpointConfig struct {
	Path      string `yaml:"path"`
	EveryBars int    `yaml:"every_bars"`
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

// PrimaryTimeframe 返回标记为 primary 的周期；未配置多周期时回退到 backtest.timeframe。
func (c *StrategyConfig) PrimaryTimeframe() string {
	for name, tf := range c.MultiTimeframe.Timeframes {
		if tf.Primary {
			return strings.ToLower(name)
		}
	}
	return strings.ToLower(strings.TrimSpace(c.Backtest.Timeframe))
}

// Timeframes 返回参与决策的全部周期，primary 在首位，其余按字母序。
func (c *StrategyConfig) Timeframes() []string {
	primary := c.PrimaryTimeframe()
	out := []string{}
	if primary != "" {
		out = append(out, primary)
	}
	rest := make([]string, 0, len(c.MultiTimeframe.Timeframes))
	for name := range c.MultiTimeframe.Timeframes {
		key := strings.ToLower(name)
		if key == primary {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// IsMultiTimeframe 表示是否配置了一个以上的周期。
func (c *StrategyConfig) IsMultiTimeframe() bool {
	return len(c.Timeframes()) > 1
}

// NormalizedWeights 把各周期权重归一化到和为 1；权重全为 0 时平均分配。
func (c *StrategyConfig) NormalizedWeights() map[string]float64 {
	tfs := c.Timeframes()
	out := make(map[string]float64, len(tfs))
	if len(tfs) == 0 {
		return out
	}
	total := 0.0
	for _, tf := range tfs {
		w := c.weightOf(tf)
		out[tf] = w
		total += w
	}
	if total <= 0 {
		for _, tf := range tfs {
			out[tf] = 1 / float64(len(tfs))
		}
		return out
	}
	for tf, w := range out {
		out[tf] = w / total
	}
	return out
}

func (c *StrategyConfig) weightOf(tf string) float64 {
	for name, cfg := range c.MultiTimeframe.Timeframes {
		if strings.EqualFold(name, tf) {
			if cfg.Weight < 0 {
				return 0
			}
			return cfg.Weight
		}
	}
	if len(c.MultiTimeframe.Timeframes) == 0 {
		return 1
	}
	return 0
}

// LookbackFor 返回某周期的特征窗口长度。
func (c *StrategyConfig) LookbackFor(tf string) int {
	for name, cfg := range c.MultiTimeframe.Timeframes {
		if strings.EqualFold(name, tf) && cfg.Lookback > 0 {
			return cfg.Lookback
		}
	}
	return defaultTimeframeLookback
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
