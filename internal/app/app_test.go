package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trdr/internal/backtest"
	"trdr/internal/config"
	"trdr/internal/decision"
	"trdr/internal/market"
	"trdr/internal/types"
)

var origin = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixedPredictor struct {
	signal types.Signal
}

func (p fixedPredictor) BuildFeatures(fuzzy, indicators map[string]float64) ([]float64, error) {
	return []float64{indicators["rsi"]}, nil
}

func (p fixedPredictor) Predict(context.Context, []float64) (decision.Prediction, error) {
	return decision.Prediction{Signal: p.signal, Confidence: 0.9}, nil
}

func buying(string, string) (decision.Predictor, error) {
	return fixedPredictor{signal: types.SignalBuy}, nil
}

func candles(n int, step time.Duration) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		open := origin.Add(time.Duration(i) * step)
		price := 100 + float64(i%17) - float64(i%5)*0.5
		out[i] = market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(step - time.Millisecond).UnixMilli(),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price + 0.25,
			Volume:    500,
		}
	}
	return out
}

type paths struct {
	dir        string
	data       string
	results    string
	report     string
	checkpoint string
}

func newPaths(t *testing.T) paths {
	dir := t.TempDir()
	return paths{
		dir:        dir,
		data:       filepath.Join(dir, "candles"),
		results:    filepath.Join(dir, "out", "results.json"),
		report:     filepath.Join(dir, "out", "report.html"),
		checkpoint: filepath.Join(dir, "state", "checkpoints.db"),
	}
}

func strategy(t *testing.T, p paths, extra string) *config.StrategyConfig {
	t.Helper()
	raw := fmt.Sprintf(`
name: app_unit
indicators:
  - type: rsi
    period: 14
fuzzy_sets:
  rsi:
    low: {type: triangular, parameters: [0, 25, 50]}
    high: {type: triangular, parameters: [50, 75, 100]}
backtest:
  symbol: aapl
  timeframe: 1h
  data_path: %q
  results_path: %q
  report_path: %q
  warmup_bars: 30
  progress_every: 10
  cancel_check_every: 10
checkpoint:
  path: %q
%s`, p.data, p.results, p.report, p.checkpoint, extra)
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func seedStore(t *testing.T, dir string, bars []market.Candle) {
	t.Helper()
	store, err := market.NewStore(dir)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.InsertCandles(context.Background(), "AAPL", "1h", bars)
	require.NoError(t, err)
	require.Equal(t, len(bars), n)
}

func TestAppRunWritesOutputs(t *testing.T) {
	p := newPaths(t)
	seedStore(t, p.data, candles(120, time.Hour))
	cfg := strategy(t, p, "")

	ctx := context.Background()
	a, err := NewApp(ctx, cfg, WithPredictor(buying))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	obs := &countingObserver{}
	res, err := a.Run(ctx, RunRequest{Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusCompleted, res.Status)
	assert.Equal(t, 90, res.BarsProcessed)
	assert.Equal(t, 90, obs.bars)
	assert.Equal(t, 1, obs.buys)
	assert.Equal(t, 1, obs.runs)
	require.Len(t, res.Trades, 1, "position awareness keeps a single long open until the forced close")

	raw, err := os.ReadFile(p.results)
	require.NoError(t, err)
	var dict map[string]any
	require.NoError(t, json.Unmarshal(raw, &dict))
	assert.Equal(t, res.RunID, dict["run_id"])

	html, err := os.ReadFile(p.report)
	require.NoError(t, err)
	assert.Contains(t, string(html), "echarts")

	run, err := a.Results().GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalTrades)
	assert.Equal(t, filepath.Join(p.dir, "state", "runs.db"), a.Results().Path())
}

func TestAppMissingModelHolds(t *testing.T) {
	p := newPaths(t)
	seedStore(t, p.data, candles(80, time.Hour))
	cfg := strategy(t, p, "")

	ctx := context.Background()
	a, err := NewApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Len(t, a.Summary.Timeframes, 1)
	assert.False(t, a.Summary.Timeframes[0].Model)

	res, err := a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.InDelta(t, cfg.Backtest.InitialCapital, res.FinalValue(), 1e-9)
}

func TestAppCancelThenResume(t *testing.T) {
	p := newPaths(t)
	seedStore(t, p.data, candles(100, time.Hour))
	ctx := context.Background()

	first, err := NewApp(ctx, strategy(t, p, ""), WithPredictor(buying))
	require.NoError(t, err)
	token := backtest.NewCancellationToken()
	token.Cancel("operator stop")
	partial, err := first.Run(ctx, RunRequest{Cancel: token})
	require.ErrorIs(t, err, backtest.ErrCancelled)
	require.NotNil(t, partial)
	assert.Equal(t, backtest.RunStatusCancelled, partial.Status)
	assert.Equal(t, 10, partial.BarsProcessed)
	opID := first.Engine().OperationID()
	first.Close()

	second, err := NewApp(ctx, strategy(t, p, ""), WithPredictor(buying), WithOperationID(opID))
	require.NoError(t, err)
	t.Cleanup(second.Close)
	res, err := second.Run(ctx, RunRequest{ResumeOperationID: opID})
	require.NoError(t, err)
	assert.Equal(t, backtest.RunStatusCompleted, res.Status)
	assert.Equal(t, opID, res.OperationID)
	assert.Equal(t, 60, res.BarsProcessed)
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].EntryTime.Before(candles(100, time.Hour)[40].Time()), "entry happened before the checkpoint")

	runs, err := second.Results().ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestAppMultiTimeframeWithProvider(t *testing.T) {
	p := newPaths(t)
	cfg := strategy(t, p, `multi_timeframe:
  consensus_method: weighted_majority
  timeframes:
    1h: {weight: 2, primary: true}
    4h: {weight: 1}
`)
	cfg.Backtest.ResultsPath = ""
	cfg.Backtest.ReportPath = ""
	provider := frameProvider{"1h": candles(160, time.Hour)}

	ctx := context.Background()
	a, err := NewApp(ctx, cfg, WithProvider(provider), WithPredictor(buying))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Len(t, a.Summary.Timeframes, 2)
	assert.True(t, a.Summary.Timeframes[0].Primary)
	assert.Equal(t, "1h", a.Summary.Timeframes[0].Name)

	res, err := a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 130, res.BarsProcessed)
	assert.NotEmpty(t, res.Warnings, "4h is resampled from 1h")
	_, err = os.Stat(p.results)
	assert.True(t, os.IsNotExist(err))
}

func TestStartupSummaryPrint(t *testing.T) {
	p := newPaths(t)
	cfg := strategy(t, p, "")
	s := newStartupSummary(cfg, "1h", map[string]bool{"1h": true}, "op-1")
	var buf bytes.Buffer
	s.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "STARTUP SUMMARY")
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "op-1")
	assert.Contains(t, out, "primary")
	assert.Contains(t, out, "已加载")
}

func TestBuildPropagatesModelErrors(t *testing.T) {
	p := newPaths(t)
	cfg := strategy(t, p, "")
	_, err := NewApp(context.Background(), cfg, WithPredictor(func(string, string) (decision.Predictor, error) {
		return nil, fmt.Errorf("corrupt model")
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt model")
}

type countingObserver struct {
	bars, buys, runs int
}

func (o *countingObserver) ObserveBar(ev backtest.BarEvent) {
	o.bars++
	if ev.Executed == types.SignalBuy {
		o.buys++
	}
}

func (o *countingObserver) ObserveRun(*backtest.Results) { o.runs++ }

type frameProvider map[string][]market.Candle

func (p frameProvider) Load(_ context.Context, symbol, timeframe string, _, _ time.Time) (market.Frame, error) {
	bars, ok := p[timeframe]
	if !ok {
		return market.Frame{}, fmt.Errorf("%s@%s not stored", symbol, timeframe)
	}
	return market.Frame{Symbol: symbol, Timeframe: timeframe, Candles: bars}, nil
}
