package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"trdr/internal/backtest"
	"trdr/internal/checkpoint"
	"trdr/internal/config"
	"trdr/internal/logger"
	"trdr/internal/report"
)

const resultsArtifact = "results.json"

// App 负责应用级编排：加载配置→初始化依赖→执行回测→落盘结果。
type App struct {
	cfg         *config.StrategyConfig
	engine      *backtest.Engine
	checkpoints *checkpoint.GormStore
	results     *backtest.ResultStore
	closers     []io.Closer
	Summary     *StartupSummary
}

// RunRequest 描述一次回测调用。ResumeOperationID 非空时从该断点继续。
type RunRequest struct {
	Progress          backtest.ProgressSink
	Observer          backtest.Observer
	Cancel            *backtest.CancellationToken
	ResumeOperationID string
	Snapshot          bool
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(ctx context.Context, cfg *config.StrategyConfig, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg, opts...).Build(ctx)
}

// Run 执行回测并落盘。被取消时仍会写出部分结果，并返回包装了 ErrCancelled 的错误。
func (a *App) Run(ctx context.Context, req RunRequest) (*backtest.Results, error) {
	if a == nil || a.engine == nil {
		return nil, fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print(os.Stdout)
	}
	opts := backtest.RunOptions{Progress: req.Progress, Observer: req.Observer, Cancel: req.Cancel}
	if id := strings.TrimSpace(req.ResumeOperationID); id != "" {
		rc, err := checkpoint.ResumeFromCheckpoint(ctx, a.checkpoints, id)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", id, err)
		}
		if _, err := a.engine.ResumeFromContext(ctx, rc); err != nil {
			return nil, fmt.Errorf("resume %s: %w", id, err)
		}
		opts.ResumeStartBar = rc.StartBar
	}

	res, runErr := a.engine.Run(ctx, opts)
	if res == nil {
		return nil, runErr
	}
	// 取消后 ctx 已失效，落盘仍需完成。
	if err := a.persist(context.WithoutCancel(ctx), res, req.Snapshot); err != nil {
		return res, errors.Join(runErr, err)
	}
	return res, runErr
}

// persist 并行写出 JSON、HTML 报告、可选 PNG 快照与运行历史。
func (a *App) persist(ctx context.Context, res *backtest.Results, snapshot bool) error {
	payload, err := json.MarshalIndent(res.ToDict(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	bt := a.cfg.Backtest
	in := report.Input{Results: res, Candles: a.engine.PrimaryFrame().Candles}

	group, gctx := errgroup.WithContext(ctx)
	if path := strings.TrimSpace(bt.ResultsPath); path != "" {
		group.Go(func() error {
			if err := writeFile(path, payload); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
			logger.Infof("[app] 结果已写入 %s", path)
			return nil
		})
	}
	if path := strings.TrimSpace(bt.ReportPath); path != "" {
		group.Go(func() error {
			if err := report.WriteEquityReport(path, in); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		})
		if snapshot {
			group.Go(func() error {
				// 快照依赖本机 Chrome，失败只告警。
				if err := report.WriteSnapshot(gctx, snapshotPath(path), in); err != nil {
					logger.Warnf("[app] 报告快照失败: %v", err)
				}
				return nil
			})
		}
	}
	if a.results != nil {
		group.Go(func() error {
			if err := a.results.SaveResults(gctx, res); err != nil {
				return fmt.Errorf("save run history: %w", err)
			}
			return nil
		})
	}
	if a.checkpoints != nil {
		group.Go(func() error {
			if err := a.checkpoints.SaveArtifact(gctx, res.OperationID, resultsArtifact, payload); err != nil {
				logger.Warnf("[app] 保存结果附件失败 op=%s: %v", res.OperationID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Engine 暴露底层回测引擎（测试与工具使用）。
func (a *App) Engine() *backtest.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Results 暴露运行历史存储。
func (a *App) Results() *backtest.ResultStore {
	if a == nil {
		return nil
	}
	return a.results
}

// Close 按打开顺序的逆序释放资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warnf("[app] 关闭资源失败: %v", err)
		}
	}
	a.closers = nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func snapshotPath(reportPath string) string {
	return strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".png"
}
