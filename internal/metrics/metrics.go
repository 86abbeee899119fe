package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trdr/internal/backtest"
	"trdr/internal/logger"
)

// Collector 把回测事件转换为 Prometheus 指标，每个实例持有独立的 Registry。
type Collector struct {
	reg *prometheus.Registry

	bars      *prometheus.CounterVec
	decisions *prometheus.CounterVec
	executed  *prometheus.CounterVec
	equity    *prometheus.GaugeVec
	drawdown  *prometheus.GaugeVec
	runs      *prometheus.CounterVec
	duration  prometheus.Histogram
	trades    *prometheus.GaugeVec
}

var _ backtest.Observer = (*Collector)(nil)

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		bars: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trdr_bars_processed_total", Help: "Primary bars processed by the backtest loop"},
			[]string{"symbol", "timeframe"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trdr_decisions_total", Help: "Decisions by signal and outcome (ok, warmup, failed)"},
			[]string{"symbol", "signal", "outcome"},
		),
		executed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trdr_trades_executed_total", Help: "Executed BUY/SELL actions"},
			[]string{"symbol", "side"},
		),
		equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trdr_portfolio_value", Help: "Latest portfolio value"},
			[]string{"symbol"},
		),
		drawdown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trdr_drawdown_ratio", Help: "Latest drawdown from peak equity, 0..1"},
			[]string{"symbol"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "trdr_runs_total", Help: "Finished backtest runs by status"},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trdr_run_duration_seconds",
			Help:    "Wall-clock duration of backtest runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		trades: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trdr_run_trades", Help: "Completed trades in the last run"},
			[]string{"symbol"},
		),
	}
	c.reg.MustRegister(c.bars, c.decisions, c.executed, c.equity, c.drawdown, c.runs, c.duration, c.trades)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) ObserveBar(ev backtest.BarEvent) {
	c.bars.WithLabelValues(ev.Symbol, ev.Timeframe).Inc()
	outcome := "ok"
	switch {
	case ev.Warmup:
		outcome = "warmup"
	case ev.Failed:
		outcome = "failed"
	}
	c.decisions.WithLabelValues(ev.Symbol, string(ev.Decision), outcome).Inc()
	if ev.Executed.IsAction() {
		c.executed.WithLabelValues(ev.Symbol, string(ev.Executed)).Inc()
	}
	c.equity.WithLabelValues(ev.Symbol).Set(ev.PortfolioValue)
	c.drawdown.WithLabelValues(ev.Symbol).Set(ev.Drawdown)
}

func (c *Collector) ObserveRun(res *backtest.Results) {
	if res == nil {
		return
	}
	c.runs.WithLabelValues(res.Status).Inc()
	c.duration.Observe(res.ExecutionSeconds)
	c.trades.WithLabelValues(res.Symbol).Set(float64(len(res.Trades)))
}

// WriteTextfile 以 node_exporter textfile 格式写出当前指标。
func (c *Collector) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return prometheus.WriteToTextfile(path, c.reg)
}

// Serve 在 addr 上暴露 /metrics，ctx 结束时关闭。
func (c *Collector) Serve(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("[metrics] 指标服务停止: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Infof("[metrics] 指标服务监听 %s", addr)
	return srv
}
