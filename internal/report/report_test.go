package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trdr/internal/backtest"
	"trdr/internal/market"
	"trdr/internal/performance"
	"trdr/internal/trading"
	"trdr/internal/types"
)

func sample() Input {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var curve []performance.EquityPoint
	var candles []market.Candle
	value := 100000.0
	for i := 0; i < 24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		price := 100 + float64(i%5)
		value += float64(i%3-1) * 50
		curve = append(curve, performance.EquityPoint{Timestamp: ts, Price: price, PortfolioValue: value, Drawdown: 0.01, PositionStatus: types.StatusFlat})
		candles = append(candles, market.Candle{OpenTime: ts.UnixMilli(), CloseTime: ts.Add(time.Hour - time.Millisecond).UnixMilli(), Open: price, High: price + 1, Low: price - 1, Close: price})
	}
	res := &backtest.Results{
		RunID:     "run-1",
		Symbol:    "AAPL",
		Timeframe: "1h",
		Trades: []trading.Trade{{
			TradeID: 1, EntryTime: start.Add(2 * time.Hour), EntryPrice: 102,
			ExitTime: start.Add(6 * time.Hour), ExitPrice: 101, NetPnL: -12.5,
		}},
		EquityCurve: curve,
		Status:      backtest.RunStatusCompleted,
	}
	return Input{Results: res, Candles: candles}
}

func TestBuildHTMLWithCandles(t *testing.T) {
	html, err := BuildHTML(sample())
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "AAPL 1h")
	assert.Contains(t, body, "Drawdown")
	assert.Contains(t, body, "#1 entry")
}

func TestBuildHTMLFallsBackToCloseLine(t *testing.T) {
	in := sample()
	in.Candles = nil
	html, err := BuildHTML(in)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Close")
}

func TestBuildHTMLRejectsEmptyResults(t *testing.T) {
	_, err := BuildHTML(Input{})
	assert.Error(t, err)
	_, err = BuildHTML(Input{Results: &backtest.Results{RunID: "x"}})
	assert.Error(t, err)
}

func TestWriteEquityReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.html")
	require.NoError(t, WriteEquityReport(path, sample()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(1000))
}

func TestRenderPNGRejectsEmptyHTML(t *testing.T) {
	_, err := RenderPNG(context.Background(), nil)
	assert.Error(t, err)
}
