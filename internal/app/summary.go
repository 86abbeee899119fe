package app

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"trdr/internal/config"
)

type StartupSummary struct {
	Strategy    string
	OperationID string
	Data        DataSummary
	Decision    DecisionSummary
	Timeframes  []TimeframeDetail
}

type DataSummary struct {
	Symbol     string
	Range      string
	DataPath   string
	Capital    float64
	Warmup     int
	Bankrupt   string
	Results    string
	Report     string
	Checkpoint string
}

type DecisionSummary struct {
	Mode            string
	Threshold       float64
	ConsensusMethod string
	MinAgreement    float64
	MaxConflicts    int
	MinDataQuality  float64
}

type TimeframeDetail struct {
	Name     string
	Primary  bool
	Weight   float64
	Lookback int
	Model    bool
}

func newStartupSummary(cfg *config.StrategyConfig, primary string, models map[string]bool, operationID string) *StartupSummary {
	bt := cfg.Backtest
	s := &StartupSummary{
		Strategy:    cfg.Name,
		OperationID: operationID,
		Data: DataSummary{
			Symbol:     strings.ToUpper(bt.Symbol),
			Range:      fmt.Sprintf("%s ~ %s", orDash(bt.StartDate), orDash(bt.EndDate)),
			DataPath:   bt.DataPath,
			Capital:    bt.InitialCapital,
			Warmup:     bt.WarmupBars,
			Bankrupt:   bt.BankruptcyPolicy,
			Results:    bt.ResultsPath,
			Report:     bt.ReportPath,
			Checkpoint: cfg.Checkpoint.Path,
		},
		Decision: DecisionSummary{
			Mode:      cfg.Orchestrator.Mode,
			Threshold: cfg.Decisions.ConfidenceThreshold,
		},
	}
	if cfg.IsMultiTimeframe() {
		mtf := cfg.MultiTimeframe
		s.Decision.ConsensusMethod = mtf.ConsensusMethod
		s.Decision.MinAgreement = mtf.MinAgreementThreshold
		s.Decision.MaxConflicts = mtf.MaxConflictingTimeframes
		s.Decision.MinDataQuality = mtf.MinDataQuality
	}
	weights := cfg.NormalizedWeights()
	for _, tf := range cfg.Timeframes() {
		s.Timeframes = append(s.Timeframes, TimeframeDetail{
			Name:     tf,
			Primary:  tf == primary,
			Weight:   weights[tf],
			Lookback: cfg.LookbackFor(tf),
			Model:    models[tf],
		})
	}
	sort.SliceStable(s.Timeframes, func(i, j int) bool {
		return s.Timeframes[i].Primary && !s.Timeframes[j].Primary
	})
	return s
}

func (s *StartupSummary) Print(w io.Writer) {
	line := strings.Repeat("=", 80)
	header := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "%*s\n", 40+len(header)/2, header)
	fmt.Fprintln(w, line)

	fmt.Fprintf(w, "[策略 (STRATEGY)] %s  op=%s\n\n", orDash(s.Strategy), s.OperationID)

	fmt.Fprintln(w, "[回测数据 (DATA)]")
	fmt.Fprintf(w, "  交易标的: %s\n", orDash(s.Data.Symbol))
	fmt.Fprintf(w, "  回测区间: %s\n", s.Data.Range)
	fmt.Fprintf(w, "  数据目录: %s\n", orDash(s.Data.DataPath))
	fmt.Fprintf(w, "  初始资金: %.2f\n", s.Data.Capital)
	fmt.Fprintf(w, "  预热K线: %d\n", s.Data.Warmup)
	fmt.Fprintf(w, "  破产策略: %s\n", orDash(s.Data.Bankrupt))
	fmt.Fprintf(w, "  输出: results=%s report=%s checkpoint=%s\n", orDash(s.Data.Results), orDash(s.Data.Report), orDash(s.Data.Checkpoint))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[决策配置 (DECISION)]")
	fmt.Fprintf(w, "  模式: %s  阈值: %.2f\n", orDash(s.Decision.Mode), s.Decision.Threshold)
	if s.Decision.ConsensusMethod != "" {
		fmt.Fprintf(w, "  共识: %s  最低一致度: %.2f  最多冲突: %d  最低数据质量: %.2f\n",
			s.Decision.ConsensusMethod, s.Decision.MinAgreement, s.Decision.MaxConflicts, s.Decision.MinDataQuality)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[周期 (TIMEFRAMES)]")
	if len(s.Timeframes) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	for _, tf := range s.Timeframes {
		role := "aux"
		if tf.Primary {
			role = "primary"
		}
		model := "已加载"
		if !tf.Model {
			model = "缺失"
		}
		fmt.Fprintf(w, "  > %-4s %-7s 权重=%.3f lookback=%d 模型=%s\n", tf.Name, role, tf.Weight, tf.Lookback, model)
	}
	fmt.Fprintln(w, line)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
