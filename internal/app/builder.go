package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"trdr/internal/backtest"
	"trdr/internal/checkpoint"
	"trdr/internal/config"
	"trdr/internal/decision"
	"trdr/internal/features"
	"trdr/internal/logger"
	"trdr/internal/market"
	"trdr/internal/predictor"
)

// AppBuilder 把配置装配成可运行的 App：数据源 → 特征 → 预测器 → 编排器 → 回测引擎。
type AppBuilder struct {
	cfg *config.StrategyConfig

	providerFn  func(*config.StrategyConfig) (market.Provider, io.Closer, error)
	predictorFn func(loader *predictor.Loader, symbol, timeframe string) (decision.Predictor, error)
	operationID string
}

type AppBuilderOption func(*AppBuilder)

// WithProvider 用外部数据源替换默认的 SQLite K 线库。
func WithProvider(p market.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.providerFn = func(*config.StrategyConfig) (market.Provider, io.Closer, error) {
			return p, nil, nil
		}
	}
}

// WithPredictor 替换按 symbol/timeframe 加载模型的逻辑。
func WithPredictor(fn func(symbol, timeframe string) (decision.Predictor, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		b.predictorFn = func(_ *predictor.Loader, symbol, timeframe string) (decision.Predictor, error) {
			return fn(symbol, timeframe)
		}
	}
}

// WithOperationID 固定断点操作 id，恢复回测时使用。
func WithOperationID(id string) AppBuilderOption {
	return func(b *AppBuilder) {
		b.operationID = strings.TrimSpace(id)
	}
}

func NewAppBuilder(cfg *config.StrategyConfig, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		providerFn:  openCandleStore,
		predictorFn: loadPredictor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openCandleStore(cfg *config.StrategyConfig) (market.Provider, io.Closer, error) {
	store, err := market.NewStore(cfg.Backtest.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open candle store: %w", err)
	}
	return store, store, nil
}

// loadPredictor 缺失模型文件不视为错误：编排器会返回 not_ready 的 HOLD。
func loadPredictor(loader *predictor.Loader, symbol, timeframe string) (decision.Predictor, error) {
	model, err := loader.Load(symbol, timeframe)
	if err != nil {
		if errors.Is(err, predictor.ErrModelNotFound) {
			logger.Warnf("[app] %s@%s 未找到模型: %v", symbol, timeframe, err)
			return nil, nil
		}
		return nil, err
	}
	return model, nil
}

// Build 装配全部依赖。任何一步失败都会关闭已打开的资源。
func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	app = &App{cfg: cfg}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if err = app.configureLogging(); err != nil {
		return app, err
	}

	provider, closer, err := b.providerFn(cfg)
	if err != nil {
		return app, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	symbol := strings.ToUpper(strings.TrimSpace(cfg.Backtest.Symbol))
	timeframes := cfg.Timeframes()
	loader := predictor.NewLoader(cfg.Model)
	orchestrators := make(map[string]*decision.Orchestrator, len(timeframes))
	caches := make(map[string]*features.Cache, len(timeframes))
	models := make(map[string]bool, len(timeframes))
	for _, tf := range timeframes {
		if err = ctx.Err(); err != nil {
			return app, err
		}
		talib, perr := features.NewTalibProvider(cfg.Indicators, cfg.FuzzySets)
		if perr != nil {
			return app, fmt.Errorf("feature provider %s: %w", tf, perr)
		}
		cache := features.NewCache(talib)
		pred, perr := b.predictorFn(loader, symbol, tf)
		if perr != nil {
			return app, fmt.Errorf("load model %s@%s: %w", symbol, tf, perr)
		}
		orch, perr := decision.NewOrchestrator(cfg, tf, pred, features.NewSource(talib, cache))
		if perr != nil {
			return app, perr
		}
		orchestrators[tf] = orch
		caches[tf] = cache
		models[tf] = pred != nil
	}

	decider, err := buildDecider(cfg, orchestrators)
	if err != nil {
		return app, err
	}

	checkpoints, err := checkpoint.NewGormStore(cfg.Checkpoint.Path)
	if err != nil {
		return app, fmt.Errorf("open checkpoint store: %w", err)
	}
	app.checkpoints = checkpoints
	app.closers = append(app.closers, checkpoints)

	results, err := backtest.NewResultStore(runsDir(cfg))
	if err != nil {
		return app, fmt.Errorf("open result store: %w", err)
	}
	app.results = results
	app.closers = append(app.closers, results)

	engine, err := backtest.NewEngine(backtest.Deps{
		Config:      cfg,
		Provider:    provider,
		Decider:     decider,
		Caches:      caches,
		Checkpoints: checkpoints,
		OperationID: b.operationID,
	})
	if err != nil {
		return app, err
	}
	app.engine = engine
	app.Summary = newStartupSummary(cfg, decider.Primary(), models, engine.OperationID())
	logger.Infof("[app] ✓ 已装配 %s 周期=%v 共识=%v", symbol, timeframes, cfg.IsMultiTimeframe())
	return app, nil
}

func buildDecider(cfg *config.StrategyConfig, orchestrators map[string]*decision.Orchestrator) (backtest.Decider, error) {
	if cfg.IsMultiTimeframe() {
		mto, err := decision.NewMultiTimeframeOrchestrator(cfg, orchestrators)
		if err != nil {
			return nil, err
		}
		return backtest.NewMultiDecider(mto)
	}
	return backtest.NewSingleDecider(orchestrators[cfg.PrimaryTimeframe()])
}

// runsDir 把回测历史放在断点数据库旁边。
func runsDir(cfg *config.StrategyConfig) string {
	dir := filepath.Dir(cfg.Checkpoint.Path)
	if dir == "" {
		return "."
	}
	return dir
}

func (a *App) configureLogging() error {
	app := a.cfg.App
	logger.SetLevel(app.LogLevel)
	logger.SetFormat(app.LogFormat)
	path := strings.TrimSpace(app.LogPath)
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	a.closers = append(a.closers, closerFunc(func() error {
		logger.SetOutput(os.Stdout)
		return f.Close()
	}))
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
