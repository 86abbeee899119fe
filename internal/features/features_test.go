package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trdr/internal/config"
	"trdr/internal/market"
)

func rising(n int) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		open := start.Add(time.Duration(i) * time.Hour)
		price := 100 + float64(i)
		out[i] = market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(time.Hour - time.Millisecond).UnixMilli(),
			Open:      price - 0.5,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1000,
		}
	}
	return out
}

func testProvider(t *testing.T) *TalibProvider {
	t.Helper()
	p, err := NewTalibProvider(
		[]config.IndicatorConfig{
			{Type: "rsi", Period: 14},
			{Name: "sma_fast", Type: "sma", Period: 5},
		},
		map[string]map[string]config.FuzzySetConfig{
			"rsi": {
				"oversold":   {Type: "triangular", Parameters: []float64{0, 0, 30}},
				"overbought": {Type: "triangular", Parameters: []float64{70, 100, 100}},
			},
		},
	)
	require.NoError(t, err)
	return p
}

func TestMembershipFunctions(t *testing.T) {
	tri, err := NewMembership(config.FuzzySetConfig{Type: "triangular", Parameters: []float64{0, 50, 100}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, tri(-1))
	assert.Equal(t, 1.0, tri(50))
	assert.InDelta(t, 0.5, tri(25), 1e-9)
	assert.InDelta(t, 0.5, tri(75), 1e-9)

	trap, err := NewMembership(config.FuzzySetConfig{Type: "trapezoid", Parameters: []float64{0, 10, 20, 30}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, trap(15))
	assert.InDelta(t, 0.5, trap(5), 1e-9)
	assert.InDelta(t, 0.5, trap(25), 1e-9)
	assert.Equal(t, 0.0, trap(31))

	_, err = NewMembership(config.FuzzySetConfig{Type: "triangular", Parameters: []float64{1, 2}})
	assert.Error(t, err)
	_, err = NewMembership(config.FuzzySetConfig{Type: "gaussian", Parameters: []float64{1, 2}})
	assert.Error(t, err)
}

func TestProviderRejectsUnknownFuzzyIndicator(t *testing.T) {
	_, err := NewTalibProvider(
		[]config.IndicatorConfig{{Type: "rsi", Period: 14}},
		map[string]map[string]config.FuzzySetConfig{"macd": {"up": {Parameters: []float64{0, 1, 2}}}},
	)
	assert.Error(t, err)
}

func TestProviderCompute(t *testing.T) {
	p := testProvider(t)
	assert.Equal(t, 15, p.MinBars())

	_, err := p.Compute(rising(10))
	assert.ErrorIs(t, err, ErrWarmup)

	snap, err := p.Compute(rising(30))
	require.NoError(t, err)
	assert.InDelta(t, 100, snap.Indicators["rsi"], 1e-6)
	assert.InDelta(t, 127, snap.Indicators["sma_fast"], 1e-9)
	assert.InDelta(t, 1, snap.Fuzzy["rsi_overbought"], 1e-6)
	assert.Equal(t, 0.0, snap.Fuzzy["rsi_oversold"])
	assert.Equal(t, []string{"rsi_overbought", "rsi_oversold"}, snap.FuzzyKeys())
}

func TestProviderMacdAndBands(t *testing.T) {
	p, err := NewTalibProvider([]config.IndicatorConfig{
		{Type: "macd", FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},
		{Type: "bbands", Period: 20, StdDev: 2},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 34, p.MinBars())

	snap, err := p.Compute(rising(60))
	require.NoError(t, err)
	assert.Contains(t, snap.Indicators, "macd_signal")
	assert.Contains(t, snap.Indicators, "macd_hist")
	assert.Greater(t, snap.Indicators["macd"], 0.0)
	assert.Greater(t, snap.Indicators["bbands_upper"], snap.Indicators["bbands_lower"])
	assert.Greater(t, snap.Indicators["bbands"], 0.5)
}

func TestCachePrecompute(t *testing.T) {
	p := testProvider(t)
	candles := rising(40)
	cache := NewCache(p)
	assert.False(t, cache.IsReady())

	require.NoError(t, cache.Precompute(context.Background(), market.Frame{Symbol: "AAPL", Timeframe: "1h", Candles: candles}))
	assert.True(t, cache.IsReady())
	assert.Equal(t, 40-14, cache.Len())
	assert.True(t, cache.IsWarmup(candles[0].OpenTime))
	assert.True(t, cache.IsWarmup(candles[13].OpenTime))
	assert.False(t, cache.IsWarmup(candles[14].OpenTime))

	snap, ok := cache.FeaturesAt(candles[20].OpenTime)
	require.True(t, ok)
	direct, err := p.Compute(candles[:21])
	require.NoError(t, err)
	assert.InDelta(t, direct.Indicators["sma_fast"], snap.Indicators["sma_fast"], 1e-9)
}

func TestCachePrecompute_TooShort(t *testing.T) {
	cache := NewCache(testProvider(t))
	err := cache.Precompute(context.Background(), market.Frame{Candles: rising(5)})
	assert.ErrorIs(t, err, ErrWarmup)
	assert.False(t, cache.IsReady())
}

func TestSourceUsesCacheThenFallsBack(t *testing.T) {
	p := testProvider(t)
	candles := rising(40)
	cache := NewCache(p)
	require.NoError(t, cache.Precompute(context.Background(), market.Frame{Candles: candles}))
	src := NewSource(p, cache)

	_, err := src.Features(candles[:5])
	assert.ErrorIs(t, err, ErrWarmup)

	snap, err := src.Features(candles[:30])
	require.NoError(t, err)
	assert.InDelta(t, 127, snap.Indicators["sma_fast"], 1e-9)

	// 不在缓存中的窗口按需计算
	other := rising(50)
	snap, err = src.Features(other[:45])
	require.NoError(t, err)
	assert.InDelta(t, 142, snap.Indicators["sma_fast"], 1e-9)

	_, err = NewSource(p, nil).Features(nil)
	assert.ErrorIs(t, err, ErrWarmup)
}
