package config

import (
	"strings"
)

// 默认值常量
const (
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultModelType           = "linear"
	defaultConfidenceThreshold = 0.5
	defaultMinSignalSeparation = 4.0
	defaultMaxPositionSize     = 0.95
	defaultMinCapital          = 1000.0
	defaultHistoryLimit        = 100
	defaultBacktestThreshold   = 0.5
	defaultPaperThreshold      = 0.6
	defaultLiveThreshold       = 0.7
	defaultConsensusMethod     = ConsensusWeightedMajority
	defaultMinAgreement        = 0.5
	defaultMaxConflicting      = 2
	defaultMinDataQuality      = 0.6
	defaultQualityWindow       = 100
	defaultTimeframeLookback   = 200
	defaultInitialCapital      = 100000.0
	defaultCommission          = 0.001
	defaultSlippage            = 0.0005
	defaultPositionSizePct     = 0.25
	defaultWarmupBars          = 50
	defaultProgressEvery       = 50
	defaultCancelCheckEvery    = 100
	defaultBankruptcyPolicy    = BankruptcyContinue
	defaultDataPath            = "data/candles"
	defaultCheckpointPath      = "data/checkpoints.db"
)

// applyDefaults 为所有子配置应用默认值（仅覆盖未显式设置的键）。
func (c *StrategyConfig) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Model.applyDefaults(keys)
	c.Decisions.applyDefaults(keys)
	c.Orchestrator.applyDefaults(keys)
	c.MultiTimeframe.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Checkpoint.applyDefaults(keys)
	for i := range c.Indicators {
		c.Indicators[i].applyDefaults()
	}
	c.Backtest.Symbol = strings.ToUpper(strings.TrimSpace(c.Backtest.Symbol))
	c.Backtest.Timeframe = strings.ToLower(strings.TrimSpace(c.Backtest.Timeframe))
	if c.Backtest.Timeframe == "" {
		if primary := c.PrimaryTimeframe(); primary != "" {
			c.Backtest.Timeframe = primary
		}
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.log_level", &a.LogLevel, defaultLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultLogFormat),
	)
}

func (m *ModelConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("model.type", &m.Type, defaultModelType),
	)
}

func (d *DecisionsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("decisions.confidence_threshold", &d.ConfidenceThreshold, defaultConfidenceThreshold),
		floatFieldDefault("decisions.min_signal_separation", &d.MinSignalSeparation, defaultMinSignalSeparation),
		boolFieldDefault("decisions.position_awareness", &d.PositionAwareness, true),
	)
}

func (o *OrchestratorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("orchestrator.mode", &o.Mode, ModeBacktest),
		floatFieldDefault("orchestrator.max_position_size", &o.MaxPositionSize, defaultMaxPositionSize),
		floatFieldDefault("orchestrator.min_capital", &o.MinCapital, defaultMinCapital),
		fieldDefault{
			key:   "orchestrator.history_limit",
			need:  func() bool { return o.HistoryLimit <= 0 },
			apply: func() { o.HistoryLimit = defaultHistoryLimit },
		},
	)
	o.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
	if o.ModeThresholds == nil {
		o.ModeThresholds = make(map[string]float64, 3)
	}
	defaults := map[string]float64{
		ModeBacktest: defaultBacktestThreshold,
		ModePaper:    defaultPaperThreshold,
		ModeLive:     defaultLiveThreshold,
	}
	for mode, v := range defaults {
		if _, ok := o.ModeThresholds[mode]; !ok {
			o.ModeThresholds[mode] = v
		}
	}
}

func (m *MultiTimeframeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("multi_timeframe.consensus_method", &m.ConsensusMethod, defaultConsensusMethod),
		floatFieldDefault("multi_timeframe.min_agreement_threshold", &m.MinAgreementThreshold, defaultMinAgreement),
		fieldDefault{
			key:   "multi_timeframe.max_conflicting_timeframes",
			need:  func() bool { return m.MaxConflictingTimeframes <= 0 },
			apply: func() { m.MaxConflictingTimeframes = defaultMaxConflicting },
		},
		floatFieldDefault("multi_timeframe.min_data_quality", &m.MinDataQuality, defaultMinDataQuality),
		fieldDefault{
			key:   "multi_timeframe.quality_window",
			need:  func() bool { return m.QualityWindow <= 0 },
			apply: func() { m.QualityWindow = defaultQualityWindow },
		},
	)
	m.ConsensusMethod = strings.ToLower(strings.TrimSpace(m.ConsensusMethod))
	if len(m.Timeframes) > 0 {
		normalized := make(map[string]TimeframeConfig, len(m.Timeframes))
		for name, tf := range m.Timeframes {
			normalized[strings.ToLower(strings.TrimSpace(name))] = tf
		}
		m.Timeframes = normalized
	}
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.data_path", &b.DataPath, defaultDataPath),
		floatFieldDefault("backtest.initial_capital", &b.InitialCapital, defaultInitialCapital),
		floatFieldDefault("backtest.commission", &b.Commission, defaultCommission),
		floatFieldDefault("backtest.slippage", &b.Slippage, defaultSlippage),
		floatFieldDefault("backtest.position_size_pct", &b.PositionSizePct, defaultPositionSizePct),
		intFieldDefault("backtest.warmup_bars", &b.WarmupBars, defaultWarmupBars),
		intFieldDefault("backtest.progress_every", &b.ProgressEvery, defaultProgressEvery),
		intFieldDefault("backtest.cancel_check_every", &b.CancelCheckEvery, defaultCancelCheckEvery),
		stringFieldDefault("backtest.bankruptcy_policy", &b.BankruptcyPolicy, defaultBankruptcyPolicy),
	)
	b.BankruptcyPolicy = strings.ToLower(strings.TrimSpace(b.BankruptcyPolicy))
}

func (c *CheckpointConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("checkpoint.path", &c.Path, defaultCheckpointPath),
	)
}

func (i *IndicatorConfig) applyDefaults() {
	i.Type = strings.ToLower(strings.TrimSpace(i.Type))
	switch i.Type {
	case "macd":
		if i.FastPeriod <= 0 {
			i.FastPeriod = 12
		}
		if i.SlowPeriod <= 0 {
			i.SlowPeriod = 26
		}
		if i.SignalPeriod <= 0 {
			i.SignalPeriod = 9
		}
	case "bbands":
		if i.Period <= 0 {
			i.Period = 20
		}
		if i.StdDev <= 0 {
			i.StdDev = 2
		}
	default:
		if i.Period <= 0 {
			i.Period = 14
		}
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
