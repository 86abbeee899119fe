package config

import (
	"fmt"
	"strings"

	"trdr/internal/market"
)

var knownIndicatorTypes = map[string]struct{}{
	"rsi": {}, "ema": {}, "sma": {}, "macd": {}, "atr": {}, "bbands": {}, "roc": {}, "mfi": {},
}

// validate 对配置进行基础校验。
func validate(c *StrategyConfig) error {
	if err := c.validateIndicators(); err != nil {
		return err
	}
	if err := c.validateFuzzySets(); err != nil {
		return err
	}
	if err := c.Decisions.validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.validate(); err != nil {
		return err
	}
	if err := c.MultiTimeframe.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if c.Checkpoint.EveryBars < 0 {
		return fmt.Errorf("checkpoint.every_bars must be >= 0")
	}
	return nil
}

func (c *StrategyConfig) validateIndicators() error {
	seen := make(map[string]struct{}, len(c.Indicators))
	for idx, ind := range c.Indicators {
		if _, ok := knownIndicatorTypes[ind.Type]; !ok {
			return fmt.Errorf("indicators[%d]: unsupported type %q", idx, ind.Type)
		}
		key := ind.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("indicators[%d]: duplicate name %q", idx, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (c *StrategyConfig) validateFuzzySets() error {
	for indicator, sets := range c.FuzzySets {
		for name, set := range sets {
			switch strings.ToLower(strings.TrimSpace(set.Type)) {
			case "", "triangular":
				if len(set.Parameters) != 3 {
					return fmt.Errorf("fuzzy_sets.%s.%s: triangular requires 3 parameters", indicator, name)
				}
			case "trapezoid", "trapezoidal":
				if len(set.Parameters) != 4 {
					return fmt.Errorf("fuzzy_sets.%s.%s: trapezoid requires 4 parameters", indicator, name)
				}
			default:
				return fmt.Errorf("fuzzy_sets.%s.%s: unsupported type %q", indicator, name, set.Type)
			}
			for i := 1; i < len(set.Parameters); i++ {
				if set.Parameters[i] < set.Parameters[i-1] {
					return fmt.Errorf("fuzzy_sets.%s.%s: parameters must be non-decreasing", indicator, name)
				}
			}
		}
	}
	return nil
}

func (d *DecisionsConfig) validate() error {
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("decisions.confidence_threshold must be in [0,1]")
	}
	if d.MinSignalSeparation < 0 {
		return fmt.Errorf("decisions.min_signal_separation must be >= 0")
	}
	return nil
}

func (o *OrchestratorConfig) validate() error {
	switch o.Mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return fmt.Errorf("orchestrator.mode must be one of backtest/paper/live, got %q", o.Mode)
	}
	if o.MaxPositionSize <= 0 || o.MaxPositionSize > 1 {
		return fmt.Errorf("orchestrator.max_position_size must be in (0,1]")
	}
	if o.MinCapital < 0 {
		return fmt.Errorf("orchestrator.min_capital must be >= 0")
	}
	for mode, v := range o.ModeThresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("orchestrator.mode_thresholds.%s must be in [0,1]", mode)
		}
	}
	return nil
}

func (m *MultiTimeframeConfig) validate() error {
	switch m.ConsensusMethod {
	case ConsensusWeightedMajority, ConsensusHierarchical, ConsensusSimple:
	default:
		return fmt.Errorf("multi_timeframe.consensus_method %q is not supported", m.ConsensusMethod)
	}
	if m.MinAgreementThreshold < 0 || m.MinAgreementThreshold > 1 {
		return fmt.Errorf("multi_timeframe.min_agreement_threshold must be in [0,1]")
	}
	if m.MinDataQuality < 0 || m.MinDataQuality > 1 {
		return fmt.Errorf("multi_timeframe.min_data_quality must be in [0,1]")
	}
	primaries := 0
	for name, tf := range m.Timeframes {
		if _, err := market.ParseTimeframe(name); err != nil {
			return fmt.Errorf("multi_timeframe.timeframes.%s: %w", name, err)
		}
		if tf.Weight < 0 {
			return fmt.Errorf("multi_timeframe.timeframes.%s.weight must be >= 0", name)
		}
		if tf.Primary {
			primaries++
		}
	}
	if len(m.Timeframes) > 0 && primaries != 1 {
		return fmt.Errorf("multi_timeframe.timeframes requires exactly one primary, got %d", primaries)
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be > 0")
	}
	if b.Commission < 0 || b.Commission >= 0.1 {
		return fmt.Errorf("backtest.commission must be in [0,0.1)")
	}
	if b.Slippage < 0 || b.Slippage >= 0.1 {
		return fmt.Errorf("backtest.slippage must be in [0,0.1)")
	}
	if b.PositionSizePct <= 0 || b.PositionSizePct > 1 {
		return fmt.Errorf("backtest.position_size_pct must be in (0,1]")
	}
	if strings.TrimSpace(b.Timeframe) != "" {
		if _, err := market.ParseTimeframe(b.Timeframe); err != nil {
			return fmt.Errorf("backtest.timeframe: %w", err)
		}
	}
	switch b.BankruptcyPolicy {
	case BankruptcyContinue, BankruptcyHalt:
	default:
		return fmt.Errorf("backtest.bankruptcy_policy must be continue or halt")
	}
	start, err := b.StartTime()
	if err != nil {
		return fmt.Errorf("backtest.start_date: %w", err)
	}
	end, err := b.EndTime()
	if err != nil {
		return fmt.Errorf("backtest.end_date: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return fmt.Errorf("backtest.end_date must be after start_date")
	}
	return nil
}
