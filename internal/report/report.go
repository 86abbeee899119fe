package report

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"trdr/internal/backtest"
	"trdr/internal/logger"
	"trdr/internal/market"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#fb7185"
	colorEntry         = "#fbbf24"
	colorExit          = "#a78bfa"

	chartWidthPx    = 1400
	priceHeightPx   = 520
	equityHeightPx  = 360
	drawdownHeight  = 240
	axisLabelLayout = "01-02 15:04"
)

// Input 是报告的数据来源；Candles 为空时价格图退化为收盘价折线。
type Input struct {
	Results *backtest.Results
	Candles []market.Candle
}

// BuildHTML 生成价格+交易标记、权益曲线与回撤三张图组成的 HTML 页面。
func BuildHTML(in Input) ([]byte, error) {
	res := in.Results
	if res == nil {
		return nil, fmt.Errorf("results required for report")
	}
	if len(res.EquityCurve) == 0 {
		return nil, fmt.Errorf("run %s has no equity samples", res.RunID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(priceChart(in), equityChart(res), drawdownChart(res))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteEquityReport 把 HTML 报告写入 path，必要时创建目录。
func WriteEquityReport(path string, in Input) error {
	html, err := BuildHTML(in)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, html, 0o644); err != nil {
		return err
	}
	logger.Infof("[report] 报告已写入 %s", path)
	return nil
}

func baseInit(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func title(text, sub string) charts.GlobalOpts {
	return charts.WithTitleOpts(opts.Title{
		Title:         text,
		Subtitle:      sub,
		Left:          "left",
		TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
		SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
	})
}

func yAxis(scale bool) charts.GlobalOpts {
	return charts.WithYAxisOpts(opts.YAxis{
		Scale:     opts.Bool(scale),
		AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
	})
}

func priceChart(in Input) components.Charter {
	res := in.Results
	subtitle := fmt.Sprintf("trades=%d win_rate=%.1f%% return=%.2f%%",
		res.Metrics.TotalTrades, res.Metrics.WinRate*100, res.Metrics.TotalReturnPct*100)
	global := []charts.GlobalOpts{
		charts.WithInitializationOpts(baseInit(priceHeightPx)),
		title(fmt.Sprintf("%s %s", strings.ToUpper(res.Symbol), res.Timeframe), subtitle),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		yAxis(true),
	}

	candles := candlesInRange(in.Candles, res)
	var xAxis []string
	var chart interface {
		components.Charter
		Overlap(a ...charts.Overlaper)
	}
	if len(candles) > 0 {
		xAxis = make([]string, len(candles))
		data := make([]opts.KlineData, len(candles))
		for i, c := range candles {
			xAxis[i] = label(c.Time())
			data[i] = opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}}
		}
		kline := charts.NewKLine()
		kline.SetGlobalOptions(global...)
		kline.SetSeriesOptions(charts.WithItemStyleOpts(opts.ItemStyle{
			Color: colorBull, Color0: colorBear, BorderColor: colorBull, BorderColor0: colorBear,
		}))
		kline.SetXAxis(xAxis)
		kline.AddSeries("Price", data)
		chart = kline
	} else {
		xAxis = make([]string, len(res.EquityCurve))
		data := make([]opts.LineData, len(res.EquityCurve))
		for i, p := range res.EquityCurve {
			xAxis[i] = label(p.Timestamp)
			data[i] = opts.LineData{Value: round(p.Price, 4)}
		}
		line := charts.NewLine()
		line.SetGlobalOptions(global...)
		line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		line.SetXAxis(xAxis)
		line.AddSeries("Close", data)
		chart = line
	}

	entries, exits := tradeMarkers(res)
	if len(entries)+len(exits) > 0 {
		scatter := charts.NewScatter()
		scatter.SetXAxis(xAxis)
		scatter.AddSeries("Entry", entries, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorEntry}))
		scatter.AddSeries("Exit", exits, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorExit}))
		chart.Overlap(scatter)
	}
	return chart
}

func tradeMarkers(res *backtest.Results) (entries, exits []opts.ScatterData) {
	for _, t := range res.Trades {
		entries = append(entries, opts.ScatterData{
			Name:       fmt.Sprintf("#%d entry", t.TradeID),
			Value:      []any{label(t.EntryTime), round(t.EntryPrice, 4)},
			Symbol:     "triangle",
			SymbolSize: 12,
		})
		exits = append(exits, opts.ScatterData{
			Name:       fmt.Sprintf("#%d exit %.2f", t.TradeID, t.NetPnL),
			Value:      []any{label(t.ExitTime), round(t.ExitPrice, 4)},
			Symbol:     "pin",
			SymbolSize: 14,
		})
	}
	return entries, exits
}

func equityChart(res *backtest.Results) components.Charter {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(baseInit(equityHeightPx)),
		title("Equity", fmt.Sprintf("final=%.2f sharpe=%.2f", res.FinalValue(), res.Metrics.SharpeRatio)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		yAxis(true),
	)
	xAxis := make([]string, len(res.EquityCurve))
	data := make([]opts.LineData, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		xAxis[i] = label(p.Timestamp)
		data[i] = opts.LineData{Value: round(p.PortfolioValue, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Portfolio", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
	)
	return line
}

func drawdownChart(res *backtest.Results) components.Charter {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(baseInit(drawdownHeight)),
		title("Drawdown", fmt.Sprintf("max=%.2f%%", res.Metrics.MaxDrawdownPct*100)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		yAxis(false),
	)
	xAxis := make([]string, len(res.EquityCurve))
	data := make([]opts.LineData, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		xAxis[i] = label(p.Timestamp)
		data[i] = opts.LineData{Value: round(-p.Drawdown*100, 3)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Drawdown %", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 1}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorDrawdown, Opacity: opts.Float(0.3)}),
	)
	return line
}

// candlesInRange 截取回测区间内的 K 线，避免预热段挤占图表。
func candlesInRange(candles []market.Candle, res *backtest.Results) []market.Candle {
	if len(candles) == 0 || len(res.EquityCurve) == 0 {
		return nil
	}
	start := res.EquityCurve[0].Timestamp.UnixMilli()
	end := res.EquityCurve[len(res.EquityCurve)-1].Timestamp.UnixMilli()
	var out []market.Candle
	for _, c := range candles {
		if c.OpenTime < start || c.OpenTime > end {
			continue
		}
		out = append(out, c)
	}
	return out
}

func label(ts time.Time) string {
	return ts.UTC().Format(axisLabelLayout)
}

func round(val float64, decimals int) float64 {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
