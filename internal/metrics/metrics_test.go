package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trdr/internal/backtest"
	"trdr/internal/trading"
	"trdr/internal/types"
)

func TestCollectorObservesBarsAndRuns(t *testing.T) {
	c := NewCollector()
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	c.ObserveBar(backtest.BarEvent{Symbol: "AAPL", Timeframe: "1h", Time: ts, Decision: types.SignalHold, Executed: types.SignalHold, Warmup: true, PortfolioValue: 100000})
	c.ObserveBar(backtest.BarEvent{Symbol: "AAPL", Timeframe: "1h", Time: ts.Add(time.Hour), Decision: types.SignalBuy, Executed: types.SignalBuy, PortfolioValue: 99900, Drawdown: 0.001})
	c.ObserveBar(backtest.BarEvent{Symbol: "AAPL", Timeframe: "1h", Time: ts.Add(2 * time.Hour), Decision: types.SignalHold, Executed: types.SignalHold, Failed: true, PortfolioValue: 99950})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.bars.WithLabelValues("AAPL", "1h")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("AAPL", "HOLD", "warmup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("AAPL", "HOLD", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executed.WithLabelValues("AAPL", "BUY")))
	assert.Equal(t, 99950.0, testutil.ToFloat64(c.equity.WithLabelValues("AAPL")))

	c.ObserveRun(&backtest.Results{Symbol: "AAPL", Status: backtest.RunStatusCompleted, ExecutionSeconds: 1.5, Trades: []trading.Trade{{TradeID: 1}}})
	c.ObserveRun(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues(backtest.RunStatusCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("AAPL")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.ObserveBar(backtest.BarEvent{Symbol: "MSFT", Timeframe: "4h", Decision: types.SignalSell, Executed: types.SignalSell, PortfolioValue: 1})
	path := filepath.Join(t.TempDir(), "prom", "trdr.prom")
	require.NoError(t, c.WriteTextfile(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `trdr_trades_executed_total{side="SELL",symbol="MSFT"} 1`)
}
