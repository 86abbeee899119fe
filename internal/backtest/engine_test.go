package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trdr/internal/checkpoint"
	"trdr/internal/config"
	"trdr/internal/decision"
	"trdr/internal/features"
	"trdr/internal/market"
	"trdr/internal/performance"
	"trdr/internal/trading"
	"trdr/internal/types"
)

var origin = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func hourly(n int, step time.Duration) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		open := origin.Add(time.Duration(i) * step)
		price := 100 + float64(i)*0.5
		out[i] = market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(step - time.Millisecond).UnixMilli(),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000,
		}
	}
	return out
}

type memProvider struct {
	frames map[string][]market.Candle
}

func (p memProvider) Load(_ context.Context, symbol, timeframe string, start, end time.Time) (market.Frame, error) {
	candles, ok := p.frames[timeframe]
	if !ok {
		return market.Frame{}, market.ErrNoData
	}
	frame := market.Frame{Symbol: symbol, Timeframe: timeframe, Candles: candles}
	return frame.Between(start, end), nil
}

// scriptedDecider 按开盘时间返回预设信号，并检查辅助周期窗口没有未来数据。
type scriptedDecider struct {
	t        *testing.T
	primary  string
	script   map[int64]types.Signal
	executed []types.Signal
	auxSeen  map[string]int
}

func (s *scriptedDecider) Primary() string { return s.primary }

func (s *scriptedDecider) Decide(_ context.Context, _ string, windows map[string][]market.Candle, _ types.PortfolioState) (decision.TradingDecision, error) {
	window := windows[s.primary]
	bar := window[len(window)-1]
	for tf, w := range windows {
		if tf == s.primary || len(w) == 0 {
			continue
		}
		assert.LessOrEqual(s.t, w[len(w)-1].CloseTime, bar.CloseTime, "look-ahead in %s", tf)
		if s.auxSeen != nil {
			s.auxSeen[tf]++
		}
	}
	signal, ok := s.script[bar.OpenTime]
	if !ok {
		signal = types.SignalHold
	}
	return decision.NewTradingDecision(signal, 0.9, bar.Time(), nil, types.StatusFlat)
}

func (s *scriptedDecider) SyncPosition(_ string, _ types.PositionSnapshot, executed types.Signal, _ time.Time) {
	s.executed = append(s.executed, executed)
}

func engineConfig() *config.StrategyConfig {
	cfg := config.Default()
	cfg.Name = "unit"
	cfg.Backtest.Symbol = "AAPL"
	cfg.Backtest.Timeframe = "1h"
	cfg.Backtest.WarmupBars = 50
	cfg.Backtest.ProgressEvery = 10
	cfg.Backtest.CancelCheckEvery = 10
	cfg.Checkpoint.EveryBars = 0
	return cfg
}

func script(candles []market.Candle, plan map[int]types.Signal) map[int64]types.Signal {
	out := make(map[int64]types.Signal, len(plan))
	for idx, sig := range plan {
		out[candles[idx].OpenTime] = sig
	}
	return out
}

func newTestEngine(t *testing.T, cfg *config.StrategyConfig, frames map[string][]market.Candle, d Decider, svc checkpoint.Service, opID string) *Engine {
	t.Helper()
	eng, err := NewEngine(Deps{
		Config:      cfg,
		Provider:    memProvider{frames: frames},
		Decider:     d,
		Checkpoints: svc,
		OperationID: opID,
	})
	require.NoError(t, err)
	return eng
}

type recordingSink struct {
	calls [][2]int
	last  map[string]any
}

func (r *recordingSink) Report(processed, total int, stats map[string]any) error {
	r.calls = append(r.calls, [2]int{processed, total})
	r.last = stats
	return nil
}

func TestRunRoundTripWithProgress(t *testing.T) {
	candles := hourly(120, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h", script: script(candles, map[int]types.Signal{
		60: types.SignalBuy,
		70: types.SignalBuy,
		80: types.SignalSell,
	})}
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, d, nil, "")
	sink := &recordingSink{}

	res, err := eng.Run(context.Background(), RunOptions{Progress: sink})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, res.Status)
	assert.Equal(t, 70, res.BarsProcessed)
	assert.Len(t, res.EquityCurve, 70)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, candles[60].Time(), tr.EntryTime)
	assert.Equal(t, candles[80].Time(), tr.ExitTime)
	assert.Greater(t, tr.NetPnL, 0.0)
	assert.InDelta(t, 20.0, tr.HoldingPeriodHours, 1e-9)
	assert.Equal(t, 1, res.Metrics.TotalTrades)

	require.Len(t, sink.calls, 7)
	assert.Equal(t, [2]int{10, 70}, sink.calls[0])
	assert.Equal(t, [2]int{70, 70}, sink.calls[6])
	assert.Contains(t, sink.last, "portfolio_value")
	assert.Equal(t, 1, sink.last["trades_executed"])

	// 第二次 BUY 在持仓时无法执行，同步给编排层的是 HOLD。
	assert.Equal(t, types.SignalBuy, d.executed[10])
	assert.Equal(t, types.SignalHold, d.executed[20])
	assert.Equal(t, types.SignalSell, d.executed[30])
}

func TestRunForceClosesAtEnd(t *testing.T) {
	candles := hourly(100, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h", script: script(candles, map[int]types.Signal{60: types.SignalBuy})}
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, d, nil, "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, endOfBacktestReason, res.Trades[0].ExitReason)
	assert.Equal(t, candles[99].Close, res.Trades[0].ExitPrice)
	assert.Len(t, res.EquityCurve, 51, "force close appends a final sample")
	assert.Equal(t, types.StatusFlat, res.EquityCurve[50].PositionStatus)
	assert.Nil(t, eng.PositionManager().Position())

	// 再次强平是空操作。
	trade, err := eng.PositionManager().ForceClosePosition(120, time.Now(), "AAPL", endOfBacktestReason)
	assert.NoError(t, err)
	assert.Nil(t, trade)
}

func TestRunSellWhileFlatIsSuppressed(t *testing.T) {
	candles := hourly(80, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h", script: script(candles, map[int]types.Signal{55: types.SignalSell})}
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, d, nil, "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, performance.Metrics{StartDate: res.Metrics.StartDate, EndDate: res.Metrics.EndDate, TotalDays: res.Metrics.TotalDays}, res.Metrics)
	for _, p := range res.EquityCurve {
		assert.InDelta(t, 100000.0, p.PortfolioValue, 1e-6)
	}
}

func TestRunNoData(t *testing.T) {
	d := &scriptedDecider{t: t, primary: "1h"}
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": nil}, d, nil, "")
	res, err := eng.Run(context.Background(), RunOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRunAuxiliaryWindowsHaveNoLookAhead(t *testing.T) {
	cfg := engineConfig()
	cfg.MultiTimeframe.Timeframes = map[string]config.TimeframeConfig{
		"1h": {Primary: true, Weight: 0.6},
		"4h": {Weight: 0.4},
	}
	primary := hourly(200, time.Hour)
	aux := hourly(50, 4*time.Hour)
	d := &scriptedDecider{t: t, primary: "1h", auxSeen: map[string]int{}}
	eng := newTestEngine(t, cfg, map[string][]market.Candle{"1h": primary, "4h": aux}, d, nil, "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 150, res.BarsProcessed)
	assert.Equal(t, 150, d.auxSeen["4h"])
}

func TestProgressSinkFailuresDoNotStopRun(t *testing.T) {
	candles := hourly(80, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h"}
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, d, nil, "")
	calls := 0
	sink := ProgressFunc(func(processed, total int, _ map[string]any) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return errors.New("sink unavailable")
	})

	res, err := eng.Run(context.Background(), RunOptions{Progress: sink})
	require.NoError(t, err)
	assert.Equal(t, 30, res.BarsProcessed)
	assert.Equal(t, 3, calls)
}

type mockCheckpoints struct {
	mock.Mock
}

func (m *mockCheckpoints) LoadCheckpoint(ctx context.Context, id string, loadArtifacts bool) (*checkpoint.Checkpoint, error) {
	args := m.Called(ctx, id, loadArtifacts)
	cp, _ := args.Get(0).(*checkpoint.Checkpoint)
	return cp, args.Error(1)
}

func (m *mockCheckpoints) SaveCheckpoint(ctx context.Context, id string, state checkpoint.State) error {
	return m.Called(ctx, id, state).Error(0)
}

func TestCancellationSavesCheckpoint(t *testing.T) {
	candles := hourly(120, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h", script: script(candles, map[int]types.Signal{55: types.SignalBuy})}
	svc := &mockCheckpoints{}
	svc.On("SaveCheckpoint", mock.Anything, "op-cancel", mock.MatchedBy(func(s checkpoint.State) bool {
		return s.BarIndex == 59 && len(s.Positions) == 1 && len(s.EquitySamples) == 10
	})).Return(nil).Once()
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, d, svc, "op-cancel")

	token := NewCancellationToken()
	token.Cancel("user requested")
	token.Cancel("ignored")
	res, err := eng.Run(context.Background(), RunOptions{Cancel: token})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), "user requested")
	require.NotNil(t, res)
	assert.Equal(t, RunStatusCancelled, res.Status)
	assert.Equal(t, 10, res.BarsProcessed)
	require.Len(t, res.Trades, 1, "open position is closed after the checkpoint is saved")
	assert.Equal(t, cancelledReason, res.Trades[0].ExitReason)
	assert.Equal(t, types.StatusFlat, eng.PositionManager().Status())
	svc.AssertExpectations(t)
}

func TestPeriodicCheckpoints(t *testing.T) {
	cfg := engineConfig()
	cfg.Checkpoint.EveryBars = 25
	candles := hourly(150, time.Hour)
	d := &scriptedDecider{t: t, primary: "1h"}
	svc := &mockCheckpoints{}
	svc.On("SaveCheckpoint", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))
	eng := newTestEngine(t, cfg, map[string][]market.Candle{"1h": candles}, d, svc, "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err, "checkpoint failures are logged only")
	assert.Equal(t, 100, res.BarsProcessed)
	svc.AssertNumberOfCalls(t, "SaveCheckpoint", 4)
	assert.Equal(t, eng.OperationID(), svc.Calls[0].Arguments.String(1))
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	candles := hourly(120, time.Hour)
	plan := map[int]types.Signal{55: types.SignalBuy, 80: types.SignalSell}
	frames := map[string][]market.Candle{"1h": candles}
	store, err := checkpoint.NewGormStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := newTestEngine(t, engineConfig(), frames, &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}, store, "op-resume")
	token := NewCancellationToken()
	token.Cancel("pause")
	_, err = first.Run(context.Background(), RunOptions{Cancel: token})
	require.ErrorIs(t, err, ErrCancelled)

	rc, err := checkpoint.ResumeFromCheckpoint(context.Background(), store, "op-resume")
	require.NoError(t, err)
	assert.Equal(t, 60, rc.StartBar)
	require.NotNil(t, rc.Position)

	d := &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}
	second := newTestEngine(t, engineConfig(), frames, d, store, "")
	frame, err := second.ResumeFromContext(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 120, frame.Len())
	assert.Equal(t, "op-resume", second.OperationID())

	res, err := second.Run(context.Background(), RunOptions{ResumeStartBar: rc.StartBar})
	require.NoError(t, err)
	assert.Equal(t, 60, res.BarsProcessed)
	assert.Len(t, res.EquityCurve, 70)
	require.Len(t, res.Trades, 1)
	assert.True(t, candles[55].Time().Equal(res.Trades[0].EntryTime))
	assert.True(t, candles[80].Time().Equal(res.Trades[0].ExitTime))
}

func TestResumedMetricsMatchUninterruptedRun(t *testing.T) {
	candles := hourly(600, time.Hour)
	plan := map[int]types.Signal{55: types.SignalBuy, 500: types.SignalSell}
	frames := map[string][]market.Candle{"1h": candles}
	store, err := checkpoint.NewGormStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	whole := newTestEngine(t, engineConfig(), frames, &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}, nil, "")
	want, err := whole.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	cfg := engineConfig()
	cfg.Backtest.CancelCheckEvery = 300
	first := newTestEngine(t, cfg, frames, &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}, store, "op-metrics")
	token := NewCancellationToken()
	token.Cancel("pause")
	_, err = first.Run(context.Background(), RunOptions{Cancel: token})
	require.ErrorIs(t, err, ErrCancelled)

	rc, err := checkpoint.ResumeFromCheckpoint(context.Background(), store, "op-metrics")
	require.NoError(t, err)
	assert.Equal(t, 350, rc.StartBar)

	second := newTestEngine(t, engineConfig(), frames, &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}, store, "")
	_, err = second.ResumeFromContext(context.Background(), rc)
	require.NoError(t, err)
	got, err := second.Run(context.Background(), RunOptions{ResumeStartBar: rc.StartBar})
	require.NoError(t, err)

	require.Len(t, got.Trades, 1)
	assert.Len(t, got.EquityCurve, len(want.EquityCurve))
	assert.True(t, want.Metrics.StartDate.Equal(got.Metrics.StartDate))
	assert.True(t, candles[50].Time().Equal(got.Metrics.StartDate))
	assert.Equal(t, 22, got.Metrics.TotalDays)
	assert.Equal(t, want.Metrics.TotalDays, got.Metrics.TotalDays)
	assert.InDelta(t, want.Metrics.TotalReturnPct, got.Metrics.TotalReturnPct, 1e-9)
	assert.InDelta(t, want.Metrics.AnnualizedReturn, got.Metrics.AnnualizedReturn, 1e-9)
	assert.InDelta(t, want.Metrics.CalmarRatio, got.Metrics.CalmarRatio, 1e-6)
	assert.InDelta(t, want.Metrics.SharpeRatio, got.Metrics.SharpeRatio, 1e-9)
}

func TestResumeAfterLastBarClosesRestoredPosition(t *testing.T) {
	candles := hourly(60, time.Hour)
	plan := map[int]types.Signal{55: types.SignalBuy}
	frames := map[string][]market.Candle{"1h": candles}
	store, err := checkpoint.NewGormStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := newTestEngine(t, engineConfig(), frames, &scriptedDecider{t: t, primary: "1h", script: script(candles, plan)}, store, "op-tail")
	token := NewCancellationToken()
	token.Cancel("pause on the last bar")
	_, err = first.Run(context.Background(), RunOptions{Cancel: token})
	require.ErrorIs(t, err, ErrCancelled)

	rc, err := checkpoint.ResumeFromCheckpoint(context.Background(), store, "op-tail")
	require.NoError(t, err)
	require.Equal(t, len(candles), rc.StartBar)
	require.NotNil(t, rc.Position)

	second := newTestEngine(t, engineConfig(), frames, &scriptedDecider{t: t, primary: "1h"}, store, "")
	_, err = second.ResumeFromContext(context.Background(), rc)
	require.NoError(t, err)
	res, err := second.Run(context.Background(), RunOptions{ResumeStartBar: rc.StartBar})
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, res.Status)
	assert.Zero(t, res.BarsProcessed)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, endOfBacktestReason, res.Trades[0].ExitReason)
	assert.True(t, candles[59].Time().Equal(res.Trades[0].ExitTime))
	assert.Equal(t, types.StatusFlat, second.PositionManager().Status())
	assert.True(t, candles[59].Time().Equal(res.Metrics.EndDate))
}

func TestResumeRejectsOutOfRangeBar(t *testing.T) {
	candles := hourly(20, time.Hour)
	eng := newTestEngine(t, engineConfig(), map[string][]market.Candle{"1h": candles}, &scriptedDecider{t: t, primary: "1h"}, nil, "")
	_, err := eng.ResumeFromContext(context.Background(), checkpoint.ResumeContext{StartBar: 21})
	assert.Error(t, err)
}

type constProvider struct {
	minBars int
}

func (p constProvider) Compute(window []market.Candle) (features.Snapshot, error) {
	if len(window) < p.minBars {
		return features.Snapshot{}, features.ErrWarmup
	}
	return features.Snapshot{Indicators: map[string]float64{"rsi": 60}, Fuzzy: map[string]float64{"rsi_high": 0.7}}, nil
}

func (p constProvider) MinBars() int { return p.minBars }

type mockPredictor struct {
	mock.Mock
}

func (m *mockPredictor) BuildFeatures(fuzzy, indicators map[string]float64) ([]float64, error) {
	args := m.Called(fuzzy, indicators)
	vec, _ := args.Get(0).([]float64)
	return vec, args.Error(1)
}

func (m *mockPredictor) Predict(ctx context.Context, vec []float64) (decision.Prediction, error) {
	args := m.Called(ctx, vec)
	return args.Get(0).(decision.Prediction), args.Error(1)
}

func TestRunWithOrchestratorTreatsWarmupAsHold(t *testing.T) {
	cfg := engineConfig()
	cfg.Backtest.WarmupBars = 0
	pred := &mockPredictor{}
	pred.On("BuildFeatures", mock.Anything, mock.Anything).Return([]float64{1}, nil)
	pred.On("Predict", mock.Anything, mock.Anything).Return(decision.Prediction{Signal: types.SignalBuy, Confidence: 0.9}, nil)

	orch, err := decision.NewOrchestrator(cfg, "1h", pred, features.NewSource(constProvider{minBars: 10}, nil))
	require.NoError(t, err)
	d, err := NewSingleDecider(orch)
	require.NoError(t, err)
	candles := hourly(40, time.Hour)
	eng := newTestEngine(t, cfg, map[string][]market.Candle{"1h": candles}, d, nil, "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 40, res.BarsProcessed)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, candles[9].Time(), res.Trades[0].EntryTime, "first bar after warm-up buys")
	assert.Equal(t, endOfBacktestReason, res.Trades[0].ExitReason)
	assert.Equal(t, types.StatusFlat, orch.PositionState("AAPL").Position)
	assert.Len(t, orch.History("AAPL"), 31)
}

func TestResultsToDictIsJSONSafe(t *testing.T) {
	res := &Results{
		RunID:  "r1",
		Config: RunConfig{InitialCapital: 1000},
		Trades: []trading.Trade{{TradeID: 1, NetPnL: math.Inf(1), DecisionMetadata: map[string]any{"confidence": math.NaN()}}},
		EquityCurve: []performance.EquityPoint{
			{Timestamp: origin, Price: math.NaN(), PortfolioValue: math.Inf(-1)},
		},
		Status: RunStatusCompleted,
	}
	dict := res.ToDict()
	raw, err := json.Marshal(dict)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run_id":"r1"`)

	curve := dict["equity_curve"].([]any)
	point := curve[0].(map[string]any)
	assert.Equal(t, 0.0, point["price"])
	assert.Equal(t, -performance.RatioLimit, point["portfolio_value"])
	trade := dict["trades"].([]any)[0].(map[string]any)
	assert.Equal(t, performance.RatioLimit, trade["net_pnl"])
	assert.Equal(t, -performance.RatioLimit, dict["final_value"])
}
