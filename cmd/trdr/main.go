package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"trdr/internal/app"
	"trdr/internal/backtest"
	"trdr/internal/config"
	"trdr/internal/logger"
	"trdr/internal/metrics"
)

func main() {
	var (
		cfgPath  string
		resumeID string
		outPath  string
		report   string
		snapshot bool
		promFile string
		promAddr string
	)
	pflag.StringVarP(&cfgPath, "config", "c", envOr("TRDR_CONFIG", "configs/strategy.yaml"), "strategy config path")
	pflag.StringVar(&resumeID, "resume", "", "resume the backtest saved under this operation id")
	pflag.StringVarP(&outPath, "out", "o", "", "results JSON path (overrides backtest.results_path)")
	pflag.StringVar(&report, "report", "", "HTML report path (overrides backtest.report_path)")
	pflag.BoolVar(&snapshot, "snapshot", false, "also render a PNG of the report with headless Chrome")
	pflag.StringVar(&promFile, "metrics", "", "write Prometheus metrics in textfile format to this path after the run")
	pflag.StringVar(&promAddr, "metrics-addr", "", "serve /metrics on this address while the backtest runs")
	pflag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	if outPath != "" {
		cfg.Backtest.ResultsPath = outPath
	}
	if report != "" {
		cfg.Backtest.ReportPath = report
	}
	logger.Infof("✓ 配置加载成功（策略=%s，周期=%v）", cfg.Name, cfg.Timeframes())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var opts []app.AppBuilderOption
	if resumeID != "" {
		opts = append(opts, app.WithOperationID(resumeID))
	}
	a, err := app.NewApp(ctx, cfg, opts...)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer a.Close()

	// 信号只触发取消令牌：引擎在下一个检查点停下并写出断点与部分结果。
	token := backtest.NewCancellationToken()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			logger.Warnf("[main] 收到信号 %s，正在停止回测", sig)
			token.Cancel("signal " + sig.String())
		case <-ctx.Done():
		}
	}()

	collector := metrics.NewCollector()
	if promAddr != "" {
		collector.Serve(ctx, promAddr)
	}

	res, err := a.Run(ctx, app.RunRequest{
		Progress:          backtest.ProgressFunc(printProgress),
		Observer:          collector,
		Cancel:            token,
		ResumeOperationID: resumeID,
		Snapshot:          snapshot,
	})
	if res != nil {
		printResult(res)
	}
	if promFile != "" {
		if werr := collector.WriteTextfile(promFile); werr != nil {
			logger.Warnf("[main] 写出指标失败: %v", werr)
		}
	}
	if err != nil {
		if errors.Is(err, backtest.ErrCancelled) {
			logger.Warnf("[main] 回测已取消，可用 --resume %s 继续", a.Engine().OperationID())
			os.Exit(130)
		}
		log.Fatalf("运行失败: %v", err)
	}
}

func printProgress(processed, total int, stats map[string]any) error {
	pct := 0.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	logger.Infof("[main] 进度 %d/%d (%.1f%%) value=%v trades=%v", processed, total, pct, stats["portfolio_value"], stats["trades_executed"])
	return nil
}

func printResult(res *backtest.Results) {
	m := res.Metrics
	lines := []string{
		fmt.Sprintf("run=%s op=%s status=%s", res.RunID, res.OperationID, res.Status),
		fmt.Sprintf("bars=%d trades=%d win_rate=%.1f%%", res.BarsProcessed, m.TotalTrades, m.WinRate*100),
		fmt.Sprintf("final=%.2f return=%.2f%% max_dd=%.2f%% sharpe=%.2f", res.FinalValue(), m.TotalReturnPct*100, m.MaxDrawdownPct*100, m.SharpeRatio),
	}
	logger.InfoBlock(strings.Join(lines, "\n"))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
