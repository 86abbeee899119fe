package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStrategy = `
name: neuro_mean_reversion
indicators:
  - name: rsi
    type: rsi
    period: 14
  - type: macd
fuzzy_sets:
  rsi:
    oversold: {type: triangular, parameters: [0, 20, 40]}
    overbought: {type: triangular, parameters: [60, 80, 100]}
model:
  path: models/{symbol}_{timeframe}.json
decisions:
  position_awareness: false
orchestrator:
  mode_thresholds:
    paper: 0.65
multi_timeframe:
  consensus_method: hierarchical
  timeframes:
    1h: {weight: 2, primary: true}
    4h: {weight: 1}
    1d: {weight: 1}
backtest:
  symbol: aapl
  start_date: "2024-01-01"
  end_date: "2024-06-30"
  commission: 0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsOnlyToUnsetKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleStrategy))
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Decisions.ConfidenceThreshold)
	assert.Equal(t, 4.0, cfg.Decisions.MinSignalSeparation)
	assert.False(t, cfg.Decisions.PositionAwareness, "explicit false must survive defaults")
	assert.Equal(t, 0.95, cfg.Orchestrator.MaxPositionSize)
	assert.Equal(t, 0.65, cfg.Orchestrator.ModeThreshold(ModePaper))
	assert.Equal(t, 0.7, cfg.Orchestrator.ModeThreshold(ModeLive))
	assert.Equal(t, 0.0, cfg.Backtest.Commission, "explicit zero commission is kept")
	assert.Equal(t, 0.0005, cfg.Backtest.Slippage)
	assert.Equal(t, 50, cfg.Backtest.WarmupBars)
	assert.Equal(t, "AAPL", cfg.Backtest.Symbol)
	assert.Equal(t, "1h", cfg.Backtest.Timeframe)
	assert.Equal(t, 14, cfg.Indicators[0].Period)
	assert.Equal(t, 12, cfg.Indicators[1].FastPeriod)
	assert.Equal(t, "macd", cfg.Indicators[1].Key())
}

func TestTimeframesAndWeights(t *testing.T) {
	cfg, err := Parse([]byte(sampleStrategy))
	require.NoError(t, err)

	assert.Equal(t, []string{"1h", "1d", "4h"}, cfg.Timeframes())
	assert.True(t, cfg.IsMultiTimeframe())
	w := cfg.NormalizedWeights()
	assert.InDelta(t, 0.5, w["1h"], 1e-9)
	assert.InDelta(t, 0.25, w["4h"], 1e-9)
	assert.InDelta(t, 1.0, w["1h"]+w["4h"]+w["1d"], 1e-9)
}

func TestSingleTimeframeFallback(t *testing.T) {
	cfg, err := Parse([]byte("backtest:\n  symbol: MSFT\n  timeframe: 1H\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"1h"}, cfg.Timeframes())
	assert.False(t, cfg.IsMultiTimeframe())
	assert.Equal(t, map[string]float64{"1h": 1}, cfg.NormalizedWeights())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "backtest:\n  symbl: AAPL\n",
		"bad threshold":     "decisions:\n  confidence_threshold: 1.5\n",
		"bad consensus":     "multi_timeframe:\n  consensus_method: dictator\n",
		"two primaries":     "multi_timeframe:\n  timeframes:\n    1h: {primary: true}\n    4h: {primary: true}\n",
		"bad fuzzy":         "fuzzy_sets:\n  rsi:\n    low: {type: triangular, parameters: [0, 10]}\n",
		"bad dates":         "backtest:\n  start_date: 2024-02-01\n  end_date: 2024-01-01\n",
		"bad mode":          "orchestrator:\n  mode: yolo\n",
		"bad indicator":     "indicators:\n  - type: ichimoku\n",
		"bankruptcy policy": "backtest:\n  bankruptcy_policy: panic\n",
		"unknown tf key":    "multi_timeframe:\n  timeframes:\n    1h: {primary: true}\n    3h: {weight: 1}\n",
		"unknown timeframe": "backtest:\n  timeframe: 90m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
	assert.Equal(t, ConsensusWeightedMajority, cfg.MultiTimeframe.ConsensusMethod)
	assert.Equal(t, 100, cfg.Orchestrator.HistoryLimit)
	assert.Equal(t, 0.25, cfg.Backtest.PositionSizePct)
}

func TestParseDateLayouts(t *testing.T) {
	b := BacktestConfig{StartDate: "2024-03-01T10:00:00Z", EndDate: "2024-03-02"}
	start, err := b.StartTime()
	require.NoError(t, err)
	end, err := b.EndTime()
	require.NoError(t, err)
	assert.Equal(t, 10, start.Hour())
	assert.True(t, end.After(start))
}
